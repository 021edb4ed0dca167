package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/mlog"
)

func newSvcConfig(args []string) *service.Config {
	return &service.Config{
		Name:        "packetcache",
		DisplayName: "packetcache",
		Description: "A caching DNS forwarder.",
		Arguments:   args,
	}
}

// serverService runs a Core under the system service manager.
type serverService struct {
	f *serverFlags
	m *Core
}

func (ss *serverService) Start(s service.Service) error {
	cfg, fileUsed, err := ss.f.load()
	if err != nil {
		return err
	}
	m, err := NewCore(cfg, fileUsed)
	if err != nil {
		return err
	}
	ss.m = m
	go func() {
		if err := m.Wait(); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.m != nil {
		ss.m.Close()
	}
	return nil
}

func newServiceCmd() *cobra.Command {
	var svc service.Service
	c := &cobra.Command{
		Use:   "service",
		Short: "Manage the server as a system service.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := service.New(&serverService{}, newSvcConfig(nil))
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			svc = s
			return nil
		},
	}

	c.AddCommand(newSvcInstallCmd())
	for _, action := range []string{"uninstall", "start", "stop", "restart"} {
		c.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("Send %s to the service.", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return service.Control(svc, action)
			},
			SilenceUsage: true,
		})
	}
	c.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Status of the service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusString(s))
			return nil
		},
		SilenceUsage: true,
	})
	return c
}

// newSvcInstallCmd installs the service to start with the given working
// dir and config file, both made absolute.
func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("failed to get abs path of working dir, %w", err)
			}
			svcArgs := []string{"start", "--as-service", "-d", dir}
			if len(sf.c) > 0 {
				cfgFile, err := filepath.Abs(sf.c)
				if err != nil {
					return fmt.Errorf("failed to get abs path of config file, %w", err)
				}
				svcArgs = append(svcArgs, "-c", cfgFile)
			}

			s, err := service.New(&serverService{f: sf}, newSvcConfig(svcArgs))
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	sf.bind(c.Flags())
	return c
}

func statusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
