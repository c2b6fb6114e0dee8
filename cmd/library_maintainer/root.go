package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jeeshofone/ApocaCache/internal/config"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/spf13/cobra"
)

// commandContext carries state shared by every subcommand.
type commandContext struct {
	cfg      *config.Config
	logLevel string
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "library-maintainer",
		Short:         "Mirror and verify a Kiwix content library",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfigLoad"] == "true" {
				return nil
			}

			return cc.load(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cc.cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cc.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newSyncCommand(cc))
	rootCmd.AddCommand(newPublishCommand(cc))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// load reads the configuration and installs the process logger on the command context.
func (cc *commandContext) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if cc.logLevel != "" {
		cfg.LogLevel = cc.logLevel
	}

	cc.cfg = cfg

	logger := logctx.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
