package cmd

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"

	"github.com/dexlive/glucagon/internal/cmdutil"
)

// TickCmd runs only the tick loop and widget ticker, no HTTP server. Useful
// for running the scheduler as a dedicated process behind its own
// horizontal scaling policy, separate from the HTTP front door.
func TickCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Args:  cobra.ExactArgs(0),
		Short: "Runs the adaptive polling scheduler without the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cmdutil.NewLogger(false)

			c, err := buildComponents(ctx, logger)
			if err != nil {
				return err
			}
			defer c.shutdown()

			s := gocron.NewScheduler(time.UTC)
			if err := c.tickLoop.Start(ctx, s); err != nil {
				return err
			}
			if err := c.widgetTicker.Start(ctx, s, c.widgetInterval); err != nil {
				return err
			}
			s.StartAsync()

			logger.Info("started glucagon tick loop")

			<-ctx.Done()

			s.Stop()

			return nil
		},
	}

	return cmd
}
