package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/api"
	"github.com/JakeFAU/replychain-crawler/internal/app"
	"github.com/JakeFAU/replychain-crawler/internal/clock/system"
	"github.com/JakeFAU/replychain-crawler/internal/dispatcher"
	"github.com/JakeFAU/replychain-crawler/internal/id/uuid"
	queueMemory "github.com/JakeFAU/replychain-crawler/internal/queue/memory"
	"github.com/JakeFAU/replychain-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand: HTTP façade plus background workers.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP façade and run queued tasks",
		Long: `Starts the HTTP façade and the task workers. When a task exhausts the
rate-limit retry budget and crawler.halt_on_rate_limit is set, the service
stops accepting work, shuts down and exits non-zero so a supervisor can
restart it later.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), appInstance, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :server.port)")
	return cmd
}

func runServe(parent context.Context, appInstance *app.App, addr string) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		haltOnce sync.Once
		haltErr  error
	)
	halt := func(err error) {
		haltOnce.Do(func() {
			haltErr = err
			cancel()
		})
	}

	queue := queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	workerCfg := worker.Config{HaltOnRateLimit: cfg.Crawler.HaltOnRateLimit}
	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			appInstance.Harvester(),
			halt,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers, system.New())

	opts := api.Options{
		DefaultTopN: cfg.Crawler.TopN,
		Ready:       func() bool { return ctx.Err() == nil },
	}
	if cfg.Auth.Enabled {
		opts.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(appInstance.Store(), dispatch, uuid.New(), opts, logger.Named("api"))

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(parent), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	<-dispatchDone
	logger.Info("shutdown complete", zap.Int("abandoned_tasks", queue.Len()))

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	if haltErr != nil {
		return fmt.Errorf("halted: %w", haltErr)
	}
	return nil
}
