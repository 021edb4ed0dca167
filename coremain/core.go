package coremain

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/mlog"
	"github.com/pmkol/packetcache/pkg/executable_seq"
	"github.com/pmkol/packetcache/pkg/safe_close"
)

type Core struct {
	logger *zap.Logger

	plugins map[string]Plugin
	execs   map[string]executable_seq.Executable

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunCore starts a Core from cfg and blocks until it exits. cfgFile, if
// not empty, is watched for log level changes.
func RunCore(cfg *Config, cfgFile string) error {
	m, err := NewCore(cfg, cfgFile)
	if err != nil {
		return err
	}
	return m.Wait()
}

// NewCore inits plugins and starts servers. If it returns an error,
// everything it started has been closed.
func NewCore(cfg *Config, cfgFile string) (*Core, error) {
	lg, lvl, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	m := &Core{
		logger:     lg,
		plugins:    make(map[string]Plugin),
		execs:      make(map[string]executable_seq.Executable),
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	m.sc.Attach(func(closeSignal <-chan struct{}) {
		<-closeSignal
		m.closePlugins()
	})

	if err := m.init(cfg, cfgFile, lvl); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Core) init(cfg *Config, cfgFile string, lvl zap.AtomicLevel) error {
	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	for i, pc := range cfg.Plugins {
		if len(pc.Type) == 0 || len(pc.Tag) == 0 {
			continue
		}
		if _, dup := m.plugins[pc.Tag]; dup {
			return fmt.Errorf("duplicated plugin tag %s", pc.Tag)
		}

		m.logger.Info("loading plugin", zap.String("tag", pc.Tag), zap.String("type", pc.Type))
		p, err := NewPlugin(&pc, m.logger, m)
		if err != nil {
			return fmt.Errorf("failed to init plugin #%d, %w", i, err)
		}
		m.addPlugin(p)
	}

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i := range cfg.Servers {
		if err := m.startServers(i, &cfg.Servers[i]); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	if len(cfgFile) > 0 {
		if err := m.watchLogLevel(cfgFile, lvl); err != nil {
			m.logger.Warn("config file will not be watched", zap.String("file", cfgFile), zap.Error(err))
		}
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(closeSignal <-chan struct{}) {
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}
	return nil
}

// Wait blocks until m is closed or a fatal error occurs, then shuts m down.
func (m *Core) Wait() error {
	<-m.sc.ReceiveCloseSignal()
	m.sc.CloseWait()
	return m.sc.Err()
}

// Close shuts m down and waits until all its goroutines exit.
func (m *Core) Close() {
	m.sc.CloseWait()
}

func (m *Core) addPlugin(p Plugin) {
	t := p.Tag()
	m.plugins[t] = p
	if e, ok := p.(ExecutablePlugin); ok {
		m.execs[t] = e
	}
	if h, ok := p.(http.Handler); ok {
		prefix := fmt.Sprintf("/plugins/%s", t)
		m.httpAPIMux.Handle(prefix+"/", http.StripPrefix(prefix, h))
	}
}

func (m *Core) closePlugins() {
	for tag, p := range m.plugins {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.logger.Warn("failed to close plugin", zap.String("tag", tag), zap.Error(err))
			}
		}
	}
}

func (m *Core) GetMetricsReg() prometheus.Registerer {
	return m.metricsReg
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
