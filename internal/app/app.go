// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/replychain-crawler/internal/bilibili"
	"github.com/JakeFAU/replychain-crawler/internal/clock/system"
	"github.com/JakeFAU/replychain-crawler/internal/config"
	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/replychain-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/replychain-crawler/internal/harvester"
	"github.com/JakeFAU/replychain-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/replychain-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/replychain-crawler/internal/storage"
	gcsstore "github.com/JakeFAU/replychain-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/replychain-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/replychain-crawler/internal/storage/memory"
	"github.com/JakeFAU/replychain-crawler/internal/storage/postgres"
	"github.com/JakeFAU/replychain-crawler/internal/telemetry"
)

// App holds the shared, long-lived services built from one Config.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	harvester *harvester.Harvester
	closers   []func() error
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	gcsClientOptions []option.ClientOption
}

// WithGCSClientOptions passes options to the GCS client (endpoints, credentials).
func WithGCSClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.gcsClientOptions = append(o.gcsClientOptions, opts...)
	}
}

// NewApp wires the fetcher, remote client, persistence and optional index and
// publisher into a Harvester. It fails fast when a configured backend cannot
// be reached.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.WithoutCancel(ctx)) })

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:  cfg.Crawler.UserAgent,
		Timeout:    cfg.Crawler.RequestTimeout,
		Cooldown:   cfg.Crawler.RateLimitCooldown,
		MaxRetries: cfg.Crawler.RateLimitMaxRetries,
		Pacer:      ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.RequestsPerSecond}),
		Logger:     logger.Named("fetcher"),
	})
	credential := bilibili.NewStaticCredential(
		credentialCookies(cfg.Bilibili),
		fetcher,
		cfg.Bilibili.PassportBase,
		cfg.Crawler.UserAgent,
		cfg.Crawler.RequestTimeout,
	)
	if credential.Anonymous() {
		logger.Warn("no SESSDATA configured, crawling anonymously")
	}
	client := bilibili.NewClient(fetcher, credential, bilibili.Config{
		APIBase:   cfg.Bilibili.APIBase,
		UserAgent: cfg.Crawler.UserAgent,
		PageSize:  cfg.Crawler.PageSize,
		Timeout:   cfg.Crawler.RequestTimeout,
	}, logger.Named("bilibili"))

	blobs, err := a.openBlobStore(ctx, o)
	if err != nil {
		return nil, a.abort(err)
	}
	a.store = storage.New(blobs)

	deps := harvester.Deps{
		Source:     client,
		Chains:     a.store,
		Tasks:      a.store,
		Credential: credential,
		Clock:      system.New(),
	}
	if cfg.DB.DSN != "" {
		index, err := postgres.NewChainIndex(ctx, postgres.ChainIndexConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns), //nolint:gosec // validated small positive value
		})
		if err != nil {
			return nil, a.abort(fmt.Errorf("init chain index: %w", err))
		}
		a.closers = append(a.closers, func() error { index.Close(); return nil })
		deps.Index = index
		logger.Info("chain index enabled", zap.String("table", cfg.DB.Table))
	}
	if cfg.PubSub.Enabled() {
		pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, a.abort(fmt.Errorf("init publisher: %w", err))
		}
		a.closers = append(a.closers, pub.Close)
		deps.Publisher = pub
		logger.Info("completion notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	a.harvester, err = harvester.New(deps, harvester.Config{
		PageSize:        cfg.Crawler.PageSize,
		PoolSize:        cfg.Crawler.PoolSize,
		SleepOnePage:    cfg.Crawler.SleepOnePage,
		SleepOneReply:   cfg.Crawler.SleepOneReply,
		SkipExisting:    cfg.Crawler.SkipExisting,
		MinDialogLength: cfg.Crawler.MinDialogLength,
		DefaultTopN:     cfg.Crawler.TopN,
		NotifyTopic:     cfg.PubSub.TopicName,
	}, logger.Named("harvester"))
	if err != nil {
		return nil, a.abort(fmt.Errorf("init harvester: %w", err))
	}
	logger.Info("application services initialized", zap.String("storage", cfg.Storage.Backend))
	return a, nil
}

// abort releases whatever NewApp opened before err and reports both.
func (a *App) abort(err error) error {
	return errors.Join(err, a.Close())
}

func credentialCookies(b config.BilibiliConfig) bilibili.Cookies {
	return bilibili.Cookies{
		SESSDATA:    b.SESSDATA,
		BiliJct:     b.BiliJct,
		Buvid3:      b.Buvid3,
		DedeUserID:  b.DedeUserID,
		ACTimeValue: b.ACTimeValue,
	}
}

func (a *App) openBlobStore(ctx context.Context, o options) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		blobs, err := localstore.New(localstore.Config{BaseDir: a.cfg.Crawler.DataRoot})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return blobs, nil
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx, o.gcsClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcsstore.New(client, gcsstore.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return blobs, nil
	case config.BackendMemory:
		a.logger.Warn("memory storage selected, results are lost on exit")
		return memorystore.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store exposes the persistence store.
func (a *App) Store() *storage.Store {
	return a.store
}

// Harvester returns the task runner.
func (a *App) Harvester() *harvester.Harvester {
	return a.harvester
}

// Close releases every opened backend in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}
