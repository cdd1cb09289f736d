package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewWorkerCmd creates the "worker" subcommand.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume execution jobs from the queue and run configured schedules",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
	cmd.Flags().Int("concurrency", 0, "Override worker.concurrency")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		app.Config.Worker.Concurrency = n
	}
	return runBackground(cmd, app, nil)
}

// runBackground runs the worker and the scheduler, plus extra, until the
// command context is done.
func runBackground(cmd *cobra.Command, app *App, extra func(ctx context.Context, g *errgroup.Group)) error {
	sched, err := app.Scheduler()
	if err != nil {
		return err
	}
	worker := app.Worker()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		app.Logger.Info("worker started",
			"concurrency", app.Config.Worker.Concurrency, "queue", app.Config.Queue.Driver)
		return worker.Run(ctx)
	})
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		return sched.Stop(context.WithoutCancel(ctx))
	})
	if extra != nil {
		extra(ctx, g)
	}
	err = g.Wait()
	app.Logger.Info("worker stopped", "stats", worker.Stats())
	return err
}
