package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/config"
	"github.com/caffeineduck/modhub/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "modhub",
	Short: "Capability-scoped module runtime",
	Long: `modhub - Load modules from manifests and route messages between them.

Each module runs in an isolated unit and only reaches the capabilities and
dependencies its manifest declares. Settings come from modhub.yaml, MODHUB_*
environment variables and flags.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./modhub.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("port-type", "", "Transport for module units: worker, wasm")
}

// loadConfig reads the configuration and applies the persistent flags on
// top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if pt, _ := cmd.Flags().GetString("port-type"); pt != "" {
		cfg.PortType = pt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startRuntime builds and starts a runtime from the command's settings.
// The caller closes it.
func startRuntime(ctx context.Context, cmd *cobra.Command, opts ...runtime.Option) (*runtime.Runtime, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	opts = append([]runtime.Option{runtime.WithLogger(log)}, opts...)
	rt, err := runtime.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	rt.Start(ctx)
	return rt, log, nil
}
