package main

import (
	"context"

	"github.com/Sternrassler/harvester/pkg/gaps"
	"github.com/Sternrassler/harvester/pkg/harvest"
	"github.com/spf13/cobra"
)

func newHarvestCommand(a *app) *cobra.Command {
	var startAfter int64

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one resumable extraction pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("start-after-id") {
				a.cfg.Harvest.StartAfterID = startAfter
			}
			d, err := a.buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			_, err = a.harvest(cmd.Context(), d)
			return err
		},
	}
	cmd.Flags().Int64Var(&startAfter, "start-after-id", 0, "skip identifiers at or below this value")
	return cmd
}

func newGapsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "Find identifier gaps between segments and re-fetch them",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			_, err = a.reconcile(cmd.Context(), d)
			return err
		},
	}
}

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Harvest, then reconcile gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			if _, err := a.harvest(cmd.Context(), d); err != nil {
				return err
			}
			_, err = a.reconcile(cmd.Context(), d)
			return err
		},
	}
}

func (a *app) harvest(ctx context.Context, d *deps) (harvest.Summary, error) {
	var opts []harvest.Option
	if d.archiver != nil {
		opts = append(opts, harvest.WithArchiver(d.archiver))
	}
	if d.progress != nil {
		opts = append(opts, harvest.WithProgress(d.progress, progressKey(a.cfg)))
	}
	h := harvest.New(d.fetcher, harvestConfig(a.cfg), a.logger.With().Str("component", "harvest").Logger(), opts...)
	return h.Run(ctx)
}

func (a *app) reconcile(ctx context.Context, d *deps) (gaps.Report, error) {
	rec := gaps.NewReconciler(d.fetcher, gaps.Config{
		Layout:     layout(a.cfg),
		IDField:    a.cfg.Source.IDField,
		PageSize:   a.cfg.Harvest.PageSize,
		ReportPath: a.cfg.ReportPath(),
	}, a.logger.With().Str("component", "gaps").Logger())

	report, err := rec.Reconcile(ctx)
	if d.archiver != nil && ctx.Err() == nil {
		d.archiver.Enqueue(rec.ReportPath())
	}
	return report, err
}
