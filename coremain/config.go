package coremain

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/mlog"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`
	Plugins []PluginConfig `yaml:"plugins"`
	Servers []ServerConfig `yaml:"servers"`
	API     APIConfig      `yaml:"api"`
}

// PluginConfig represents a plugin config
type PluginConfig struct {
	// Tag, required
	Tag string `yaml:"tag"`

	// Type, required
	Type string `yaml:"type"`

	// Args, might be required by some plugins.
	// The type of Args is depended on RegNewPluginFunc.
	// If it's a map[string]any, it will be converted by mapstructure.
	Args any `yaml:"args"`
}

type ServerConfig struct {
	// Exec is the tags of the executable plugins queries go through, in order.
	// A single tag is accepted as well.
	Exec        []string `yaml:"exec"`
	Timeout     uint     `yaml:"timeout"`      // (sec) query timeout. Default is 5.
	IdleTimeout uint     `yaml:"idle_timeout"` // (sec) tcp connection idle timeout. Default is 10.

	// AllowedClients is a list of ip or CIDR. If not empty, other clients
	// are refused.
	AllowedClients []string `yaml:"allowed_clients"`

	Listeners []*ServerListenerConfig `yaml:"listeners"`
}

type ServerListenerConfig struct {
	// Protocol: server protocol, can be:
	// "", "udp" -> udp
	// "tcp" -> tcp
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr. Required.
	Addr string `yaml:"addr"`

	ReusePort     bool `yaml:"reuse_port"`     // open the socket with SO_REUSEPORT
	ProxyProtocol bool `yaml:"proxy_protocol"` // tcp only, require a PROXY protocol header
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

const maxIncludeDepth = 8

// loadConfig reads one config file. If filePath is empty, a file named
// "config", with any extension viper supports, is searched in the working
// directory.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg := new(Config)
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// loadMergedConfig loads filePath and the files it includes. Plugins and
// servers of included files come first, in include order.
func loadMergedConfig(filePath string) (*Config, string, error) {
	cfg, fileUsed, err := loadConfig(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config, %w", err)
	}
	abs, err := filepath.Abs(fileUsed)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.mergeIncludes([]string{abs}); err != nil {
		return nil, "", fmt.Errorf("failed to load sub config file, %w", err)
	}
	return cfg, fileUsed, nil
}

// mergeIncludes merges the includes of cfg, recursively. chain is the
// absolute paths of the files that led to cfg, cfg's own file last.
// Relative includes are resolved against the directory of that file.
func (cfg *Config) mergeIncludes(chain []string) error {
	if len(chain) > maxIncludeDepth {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(chain, " -> "))
	}

	var (
		base    = filepath.Dir(chain[len(chain)-1])
		plugins []PluginConfig
		servers []ServerConfig
	)
	for _, inc := range cfg.Include {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		subChain := append(chain[:len(chain):len(chain)], inc)
		if slices.Contains(chain, inc) {
			return fmt.Errorf("include loop, include path is %s", strings.Join(subChain, " -> "))
		}

		mlog.L().Info("reading sub config", zap.String("file", inc))
		sub, _, err := loadConfig(inc)
		if err != nil {
			return fmt.Errorf("failed to load sub config %s, %w", inc, err)
		}
		if err := sub.mergeIncludes(subChain); err != nil {
			return err
		}
		plugins = append(plugins, sub.Plugins...)
		servers = append(servers, sub.Servers...)
	}

	cfg.Plugins = append(plugins, cfg.Plugins...)
	cfg.Servers = append(servers, cfg.Servers...)
	return nil
}
