package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var svcCfg = &service.Config{
	Name:        "offline-cache",
	DisplayName: "offline-cache",
	Description: "Offline-first caching proxy.",
}

// serverService runs StartServer under the service manager.
type serverService struct {
	f    *serverFlags
	stop chan struct{}
	done chan error

	stopOnce sync.Once
	stopErr  error
}

func (ss *serverService) Start(s service.Service) error {
	ss.stop = make(chan struct{})
	ss.done = make(chan error, 1)
	go func() {
		err := StartServer(ss.f, ss.stop)
		if err != nil {
			log.Error().Err(err).Msg("Server exited")
		}
		ss.done <- err
	}()
	return nil
}

// Stop may be called more than once; later calls return the first result.
func (ss *serverService) Stop(s service.Service) error {
	ss.stopOnce.Do(func() {
		if ss.stop == nil {
			return
		}
		close(ss.stop)
		ss.stopErr = <-ss.done
	})
	return ss.stopErr
}

func runAsService(sf *serverFlags) error {
	svc, err := service.New(&serverService{f: sf}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	return svc.Run()
}

func newServiceCmd() *cobra.Command {
	var configFile string
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage offline-cache as a system service.",
	}
	serviceCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (install only)")

	controlCmd := func(action, short string) *cobra.Command {
		return &cobra.Command{
			Use:          action,
			Short:        short,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				if action == "install" {
					if err := setServiceArguments(configFile); err != nil {
						return err
					}
				}
				svc, err := service.New(&serverService{}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return service.Control(svc, action)
			},
		}
	}
	serviceCmd.AddCommand(
		controlCmd("install", "Install offline-cache as a system service."),
		controlCmd("uninstall", "Uninstall offline-cache from the system services."),
		controlCmd("start", "Start the offline-cache service."),
		controlCmd("stop", "Stop the offline-cache service."),
		controlCmd("restart", "Restart the offline-cache service."),
		&cobra.Command{
			Use:          "status",
			Short:        "Show the service status.",
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := service.New(&serverService{}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				s, err := svc.Status()
				if err != nil {
					return fmt.Errorf("cannot get service status, %w", err)
				}
				switch s {
				case service.StatusRunning:
					cmd.Println("running")
				case service.StatusStopped:
					cmd.Println("stopped")
				default:
					cmd.Println("unknown")
				}
				return nil
			},
		},
	)
	return serviceCmd
}

// setServiceArguments makes the installed service start with an absolute config path.
func setServiceArguments(configFile string) error {
	args := []string{"start", "--as-service"}
	if configFile != "" {
		abs, err := filepath.Abs(configFile)
		if err != nil {
			return fmt.Errorf("cannot resolve config path, %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return errors.New("config file does not exist: " + abs)
		}
		args = append(args, "-c", abs)
		svcCfg.WorkingDirectory = filepath.Dir(abs)
	}
	svcCfg.Arguments = args
	return nil
}
