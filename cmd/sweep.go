package cmd

import (
	"encoding/json"

	"festival-booking/config"

	"github.com/pocketbase/pocketbase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// newSweepCommand runs a single reconciliation pass and prints the result,
// for cron jobs or manual recovery after an outage.
func newSweepCommand(app *pocketbase.PocketBase, cfg *config.Config) *cobra.Command {
	var batch int

	command := &cobra.Command{
		Use:          "sweep",
		Short:        "Release inventory held by stale reservations",
		SilenceUsage: true,
		RunE: func(command *cobra.Command, args []string) error {
			if batch > 0 {
				cfg.SweepBatchSize = batch
			}

			ctx := command.Context()
			d, err := buildDeps(ctx, app, cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer d.close(ctx, app.Logger())

			res, err := d.sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(command.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	command.Flags().IntVar(&batch, "batch", 0, "maximum reservations per status (default SWEEP_BATCH_SIZE)")

	return command
}
