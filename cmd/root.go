package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/app"
	"github.com/JakeFAU/replychain-crawler/internal/config"
	"github.com/JakeFAU/replychain-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap in
// extra options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. The returned cleanup
// closes whatever services the command opened, whether or not it succeeded.
func newRootCmd() (*cobra.Command, func() error) {
	var (
		cfgFile string
		opened  *app.App
	)
	cmd := &cobra.Command{
		Use:   "replychain-crawler",
		Short: "Harvests Bilibili comment threads into dialogue chains.",
		Long: `replychain-crawler searches Bilibili for videos matching a query, walks
every root comment and its replies, and stores each root-to-leaf reply path
as a dialogue chain. Runs are resumable: comments whose chain file already
exists are skipped.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, build the logger and the
		// application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opened = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* env vars override it")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newExportCmd(), newStatusCmd())

	cleanup := func() error {
		if opened == nil {
			return nil
		}
		_ = opened.Logger().Sync() //nolint:errcheck // stderr sync fails on some terminals
		err := opened.Close()
		opened = nil
		return err
	}
	return cmd, cleanup
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. It exits non-zero when the command fails.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	if cerr := cleanup(); cerr != nil {
		zap.L().Warn("closing services failed", zap.Error(cerr))
	}
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
