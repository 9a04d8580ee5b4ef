package main

import (
	"github.com/spf13/cobra"

	"github.com/topoface/node-supervisor/config"
	"github.com/topoface/node-supervisor/logging"
)

type flags struct {
	configPath  string
	socket      string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "nodesupd",
		Short:         "Node process supervisor daemon",
		Version:       version + " (" + commit + ")",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return run(cmd.Context(), cfg, logger)
		},
	}

	root.Flags().StringVar(&f.configPath, "config", "", "YAML configuration file")
	root.Flags().StringVar(&f.socket, "socket", "", "Unix socket path (default: per-user runtime dir)")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return root
}

// loadConfig reads the file, if any, and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("socket") {
		cfg.Daemon.Socket = f.socket
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("metrics-addr") {
		cfg.Daemon.MetricsAddr = f.metricsAddr
	}
	return cfg, cfg.Validate()
}
