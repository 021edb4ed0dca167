package coremain

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/packetcache/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

func (sf *serverFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
}

// load applies sf to the process and loads the config.
func (sf *serverFlags) load() (*Config, string, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}
	if len(sf.dir) > 0 {
		if err := os.Chdir(sf.dir); err != nil {
			return nil, "", fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}
	return loadMergedConfig(sf.c)
}

// Run executes the command line.
func Run() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "packetcache",
		Short: "A caching DNS forwarder.",
	}
	root.AddCommand(newStartCmd(), newConfigCmd(), newServiceCmd())
	return root
}

func newStartCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sf.asService {
				return StartServer(sf)
			}
			svc, err := service.New(&serverService{f: sf}, newSvcConfig(nil))
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return svc.Run()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	sf.bind(fs)
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")
	return c
}

func newConfigCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config, includes merged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadMergedConfig(cfgFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}

// StartServer runs the server until it fails or the process is
// interrupted.
func StartServer(sf *serverFlags) error {
	cfg, fileUsed, err := sf.load()
	if err != nil {
		return err
	}
	m, err := NewCore(cfg, fileUsed)
	if err != nil {
		return fmt.Errorf("failed to start, %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			mlog.L().Info("signal received, exiting")
			m.sc.SendCloseSignal(nil)
		case <-m.sc.ReceiveCloseSignal():
		}
	}()

	if err := m.Wait(); err != nil {
		return fmt.Errorf("server exited, %w", err)
	}
	return nil
}
