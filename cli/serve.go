package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/omniflow/api"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API, with an in-process worker unless --api-only",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Override api.addr")
	cmd.Flags().Bool("api-only", false, "Do not consume jobs in this process")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	addr := app.Config.API.Addr
	if a, _ := cmd.Flags().GetString("addr"); a != "" {
		addr = a
	}
	srv := api.NewServer(app.Store, app.Queue, app.Engine, app.Logger)

	if apiOnly, _ := cmd.Flags().GetBool("api-only"); apiOnly {
		return srv.ListenAndServe(cmd.Context(), addr)
	}
	return runBackground(cmd, app, func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
	})
}
