package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jeeshofone/ApocaCache/internal/config"
	"github.com/jeeshofone/ApocaCache/internal/cycle"
	"github.com/spf13/cobra"
)

func newSyncCommand(cc *commandContext) *cobra.Command {
	var invalidate bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one update cycle in the foreground and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cc.cfg, invalidate, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&invalidate, "invalidate", false, "Drop the cached catalog before fetching")

	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, invalidate bool, out io.Writer) error {
	p, err := openPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	if invalidate {
		if err := p.fetcher.Invalidate(); err != nil {
			return err
		}
	}

	report, err := p.coordinator.RunCycle(ctx, cycle.TriggerManual)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "cycle %s: %d candidates, %d resolved, %d scheduled, %d downloaded, %d failed\n",
		report.CycleID, report.Candidates, report.Resolved, report.Scheduled, report.Downloaded, report.Failed)

	if report.Failed > 0 {
		return fmt.Errorf("%d downloads failed", report.Failed)
	}

	return nil
}

func newPublishCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Rewrite library.xml from the local inventory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			p, err := openStore(ctx, cc.cfg)
			if err != nil {
				return err
			}
			defer p.Close(context.WithoutCancel(ctx))

			summary, err := p.publisher.Publish(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d books, %s\n",
				p.publisher.Path(), summary.Books, humanize.IBytes(uint64(summary.Bytes)))

			return nil
		},
	}
}
