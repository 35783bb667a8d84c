package cmd

import (
	"context"
	"os"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/cmdutil"
	"github.com/dexlive/glucagon/internal/httpapi"
)

// ServeCmd runs the HTTP front door (component I) and the tick loop and
// widget ticker (components E and G) in one process — the default way to
// run this service.
func ServeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.ExactArgs(0),
		Short: "Runs the HTTP API and the adaptive polling scheduler together.",
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
			defer s.Stop()

			_, bugsnagActive := os.LookupEnv("BUGSNAG_API_KEY")
			api := httpapi.New(logger, c.store, bugsnagActive)

			port := envInt("PORT", 4000)
			srv := api.Server(port)

			go func() { _ = srv.ListenAndServe() }()

			logger.Info("started glucagon", zap.Int("port", port))

			<-ctx.Done()

			return srv.Shutdown(context.Background())
		},
	}

	return cmd
}
