package main

import (
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/seedline/seedline/auth"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/storage"
	_ "github.com/seedline/seedline/storage/memory"
	_ "github.com/seedline/seedline/storage/redis"
	"github.com/seedline/seedline/tracker"
	"github.com/seedline/seedline/tracker/api"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	sg             *stop.Group
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start()
}

// Start begins an instance of the tracker.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Seedline

	r.sg = stop.NewGroup()

	store, err := storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}
	r.sg.Add(store)
	log.Info("started storage", log.Fields{"name": cfg.Storage.Name})

	frontend, err := tracker.NewFrontend(store, auth.NewBcrypt(), cfg.Tracker)
	if err != nil {
		return errors.Wrap(err, "failed to create tracker frontend")
	}
	r.sg.Add(frontend)
	log.Info("started tracker frontend", cfg.Tracker.LogFields())

	if cfg.API.Addr != "" {
		srv, err := api.NewServer(store, cfg.API)
		if err != nil {
			return errors.Wrap(err, "failed to create status API")
		}
		r.sg.Add(srv)
		log.Info("started status API", cfg.API.LogFields())
	}

	return nil
}

// Stop shuts down an instance of the tracker.
func (r *Run) Stop() error {
	log.Debug("stopping tracker")
	for _, err := range r.sg.Stop().Wait() {
		if err != nil {
			return err
		}
	}
	return nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of the
// tracker and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading; received reload signal")
			if err := r.Stop(); err != nil {
				return err
			}
			if err := r.Start(); err != nil {
				return err
			}
		case <-quit:
			log.Info("shutting down; received shutdown signal")
			return r.Stop()
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetJSON()
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	return nil
}

// RootPostRunCmdFunc handles clean up of any state initialized by command
// line flags.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		pprof.StopCPUProfile()
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "seedline",
		Short: "P2P file sharing tracker",
		Long:  "The coordination server of the seedline file sharing network",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := RootPreRunCmdFunc(cmd, args); err != nil {
				return err
			}

			cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
			if err != nil {
				return err
			}
			if cpuProfilePath != "" {
				log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
				f, err := os.Create(cpuProfilePath)
				if err != nil {
					return err
				}
				return pprof.StartCPUProfile(f)
			}
			return nil
		},
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.Flags().String("config", "/etc/seedline.yaml", "location of configuration file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
