package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/omniflow/config"
	"github.com/songzhibin97/omniflow/logging"
)

// NewRootCmd builds the omniflow command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "omniflow",
		Short: "Multi-tenant workflow execution engine",
		Long:  "omniflow runs published CRM and messaging workflows from a job queue, on a schedule, or from the command line.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to omniflow.yaml (default: ./omniflow.yaml or ./config/omniflow.yaml)")
	root.PersistentFlags().String("log-level", "", "Override log.level: debug | info | warn | error")

	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewWorkerCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewPruneCmd())
	return root
}

// loadConfig reads the configuration selected by the persistent flags and
// installs the configured logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openApp loads the configuration and builds the App for a command.
func openApp(cmd *cobra.Command) (*App, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return NewApp(cmd.Context(), cfg, logger)
}

func closeApp(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		app.Logger.Warn("shutdown incomplete", "error", err)
	}
}
