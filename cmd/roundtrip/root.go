package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"roundtrip/internal/config"
	"roundtrip/internal/logging"
)

type commandContext struct {
	configFlag   *string
	envFlag      *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, envFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		envFlag:      envFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var envPaths []string
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			envPaths = append(envPaths, strings.TrimSpace(*c.envFlag))
		}
		if err := config.LoadEnv(envPaths...); err != nil {
			c.configErr = err
			return
		}

		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.Log.Level = *c.logLevelFlag
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var envFlag string
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &envFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "roundtrip",
		Short:         "Frame round-trip client and engine server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFlag, "env-file", "", "Environment file to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newClientCommand(ctx))
	rootCmd.AddCommand(newResultsCommand(ctx))

	return rootCmd
}
