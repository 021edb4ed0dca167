package coremain

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/mlog"
)

// watchLogLevel re-applies the log level of file whenever file changes.
// Other settings are only read at start up.
func (m *Core) watchLogLevel(file string, lvl zap.AtomicLevel) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	file = filepath.Clean(file)
	// Editors often replace the file, so its directory is watched.
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return err
	}

	m.sc.Attach(func(closeSignal <-chan struct{}) {
		defer w.Close()
		for {
			select {
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) == file && e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					m.reloadLogLevel(file, lvl)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", zap.Error(err))
			case <-closeSignal:
				return
			}
		}
	})
	return nil
}

func (m *Core) reloadLogLevel(file string, lvl zap.AtomicLevel) {
	cfg, _, err := loadConfig(file)
	if err != nil {
		m.logger.Warn("failed to reload config", zap.String("file", file), zap.Error(err))
		return
	}
	l, err := mlog.ParseLevel(cfg.Log.Level)
	if err != nil {
		m.logger.Warn("failed to reload log level", zap.Error(err))
		return
	}
	if l != lvl.Level() {
		lvl.SetLevel(l)
		m.logger.Info("log level changed", zap.Stringer("level", l))
	}
}
