// Command nozzleflow monitors sprayer nozzle flow, raises deviation events
// and serves the operator UI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/config"
	"github.com/sweeney/nozzleflow/internal/logging"
)

var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:           "nozzleflow",
		Short:         "Nozzle flow monitor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newRunCmd(&rf), newProbeCmd(&rf), newJobsCmd(&rf))
	return root
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig(rf *rootFlags) (config.Config, error) {
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return log, nil
}
