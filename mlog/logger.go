package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also: https://pkg.go.dev/go.uber.org/zap/zapcore#Level
	// Default is "info".
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	l      = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, zap.InfoLevel))
	nop    = zap.NewNop()
)

// NewLogger builds a logger from lc. The returned level controls the logger
// and may be changed at any time.
func NewLogger(lc *LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	al := zap.NewAtomicLevelAt(lvl)

	out := stderr
	if len(lc.File) > 0 {
		f, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(f)
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, out, al)), al, nil
}

// ParseLevel parses s. An empty s is "info".
func ParseLevel(s string) (zapcore.Level, error) {
	if len(s) == 0 {
		return zap.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return lvl, nil
}

// L is a global logger for messages emitted before a configured logger exists.
func L() *zap.Logger {
	return l
}

func Nop() *zap.Logger {
	return nop
}
