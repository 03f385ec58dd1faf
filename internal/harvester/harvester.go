// Package harvester drives a crawl task: search, then for every video page
// through root comments, fan reply pages out to a bounded pool, rebuild the
// dialogue chains and persist them.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/clock/system"
	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/dialogue"
	"github.com/JakeFAU/replychain-crawler/internal/logging"
	"github.com/JakeFAU/replychain-crawler/internal/metrics"
	"github.com/JakeFAU/replychain-crawler/internal/pool"
)

const (
	defaultPageSize = 20
	defaultTopN     = 1
	progressEvery   = 10
	tracerName      = "github.com/JakeFAU/replychain-crawler/internal/harvester"
)

// Config controls pagination, pacing and resumability.
type Config struct {
	PageSize        int
	PoolSize        int
	SleepOnePage    time.Duration
	SleepOneReply   time.Duration
	SkipExisting    bool
	MinDialogLength int
	DefaultTopN     int
	// NotifyTopic labels the completion event sent to the Publisher.
	NotifyTopic string
}

// Deps are the collaborators of a Harvester. Credential, Index and Publisher
// are optional.
type Deps struct {
	Source     crawler.CommentSource
	Chains     crawler.ChainStore
	Tasks      crawler.TaskStore
	Credential crawler.Credential
	Index      crawler.ChainIndex
	Publisher  crawler.Publisher
	Clock      crawler.Clock
}

// TaskEvent is published when a task reaches a terminal status.
type TaskEvent struct {
	TaskID    string             `json:"task_id"`
	Query     string             `json:"query"`
	Status    crawler.TaskStatus `json:"status"`
	Data      any                `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// Harvester runs crawl tasks. Run is safe for concurrent use on distinct
// task ids.
type Harvester struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	pause  func(context.Context, time.Duration) error
}

// New builds a Harvester.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Harvester, error) {
	if deps.Source == nil {
		return nil, errors.New("comment source is required")
	}
	if deps.Chains == nil || deps.Tasks == nil {
		return nil, errors.New("chain and task stores are required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = pool.DefaultSize
	}
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = defaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{deps: deps, cfg: cfg, logger: logger, pause: crawler.Pause}, nil
}

// PageCount is the number of pages requested for total items. It is
// deliberately total/pageSize+1, so an exact multiple asks for one extra page.
func PageCount(total, pageSize int) int {
	if total < 0 {
		total = 0
	}
	return total/pageSize + 1
}

// Run executes one task and records its terminal status. Any error or panic
// inside the crawl marks the task failed and is returned; callers should test
// for crawler.ErrRateLimited to decide whether to stop crawling altogether.
func (h *Harvester) Run(ctx context.Context, task crawler.Task) (crawler.TaskSummary, error) {
	if task.ID == "" {
		return crawler.TaskSummary{}, errors.New("task id is required")
	}
	if task.TopN <= 0 {
		task.TopN = h.cfg.DefaultTopN
	}
	logger := logging.ForTask(h.logger, task.ID, task.Query)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvester.Run")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.query", task.Query))

	if _, err := h.deps.Tasks.MergeWriteTaskStatus(ctx, task.ID, crawler.TaskUpdate{
		Status: crawler.TaskStatusRunning,
		Query:  task.Query,
	}); err != nil {
		return crawler.TaskSummary{}, fmt.Errorf("mark task running: %w", err)
	}
	logger.Info("task started", zap.Int("top_n", task.TopN))

	summary, err := h.crawlSafely(ctx, task, logger)

	// Terminal writes must land even when ctx was canceled.
	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Error("task failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		h.finish(finalCtx, task, crawler.TaskStatusFailed, "error:"+err.Error(), logger)
		return summary, err
	}
	logger.Info("task finished",
		zap.Int("videos", summary.Videos),
		zap.Int("chain_files", summary.ChainFiles),
		zap.Int("chains", summary.Chains),
	)
	h.finish(finalCtx, task, crawler.TaskStatusFinished, summary, logger)
	return summary, nil
}

func (h *Harvester) crawlSafely(ctx context.Context, task crawler.Task, logger *zap.Logger) (summary crawler.TaskSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	err = h.crawl(ctx, task, &summary, logger)
	return summary, err
}

func (h *Harvester) finish(ctx context.Context, task crawler.Task, status crawler.TaskStatus, data any, logger *zap.Logger) {
	metrics.ObserveTask(string(status))
	if _, err := h.deps.Tasks.MergeWriteTaskStatus(ctx, task.ID, crawler.TaskUpdate{Status: status, Data: data}); err != nil {
		logger.Error("final task status update failed", zap.Error(err))
	}
	if h.deps.Publisher == nil {
		return
	}
	event := TaskEvent{
		TaskID:    task.ID,
		Query:     task.Query,
		Status:    status,
		Data:      data,
		Timestamp: h.deps.Clock.Now(),
	}
	if _, err := h.deps.Publisher.Publish(ctx, h.cfg.NotifyTopic, event); err != nil {
		logger.Warn("publish task event failed", zap.Error(err))
	}
}

func (h *Harvester) crawl(ctx context.Context, task crawler.Task, summary *crawler.TaskSummary, logger *zap.Logger) error {
	if err := h.refreshCredential(ctx, logger); err != nil {
		return err
	}
	videos, err := h.deps.Source.SearchVideos(ctx, task.Query)
	if err != nil {
		return fmt.Errorf("search %q: %w", task.Query, err)
	}
	if len(videos) > task.TopN {
		videos = videos[:task.TopN]
	}
	logger.Info("search complete", zap.Int("videos", len(videos)))

	for i, video := range videos {
		logger.Info("crawling video",
			zap.Int("index", i+1),
			zap.Int64("oid", video.ID),
			zap.String("title", video.Title),
		)
		if err := h.crawlVideo(ctx, task, video, summary, logger.With(zap.Int64("oid", video.ID))); err != nil {
			return err
		}
		summary.Videos++
		if _, err := h.deps.Tasks.MergeWriteTaskStatus(ctx, task.ID, crawler.TaskUpdate{Data: *summary}); err != nil {
			return fmt.Errorf("record video progress: %w", err)
		}
	}
	return nil
}

func (h *Harvester) refreshCredential(ctx context.Context, logger *zap.Logger) error {
	if h.deps.Credential == nil {
		return nil
	}
	need, err := h.deps.Credential.NeedsRefresh(ctx)
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if !need {
		logger.Debug("credential still valid")
		return nil
	}
	logger.Info("credential expired, refreshing")
	if err := h.deps.Credential.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	logger.Info("credential refreshed")
	return nil
}

func (h *Harvester) crawlVideo(
	ctx context.Context,
	task crawler.Task,
	video crawler.Video,
	summary *crawler.TaskSummary,
	logger *zap.Logger,
) error {
	count, err := h.deps.Source.CommentCount(ctx, video.ID)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		logger.Warn("comment count failed, skipping video", zap.Error(err))
		return nil
	}
	pages := PageCount(count, h.cfg.PageSize)
	logger.Info("comment pages", zap.Int("count", count), zap.Int("pages", pages))

	cursor := ""
	for page := 1; page <= pages; page++ {
		next, err := h.crawlPage(ctx, task, video, page, cursor, summary, logger.With(zap.Int("page", page)))
		if err != nil {
			return err
		}
		if next == "" {
			logger.Info("video complete", zap.Int("last_page", page))
			return nil
		}
		if err := h.pause(ctx, h.cfg.SleepOnePage); err != nil {
			return err
		}
		cursor = next
	}
	return nil
}

// crawlPage processes one page of root comments and returns the next cursor,
// or "" when the video is exhausted.
func (h *Harvester) crawlPage(
	ctx context.Context,
	task crawler.Task,
	video crawler.Video,
	page int,
	cursor string,
	summary *crawler.TaskSummary,
	logger *zap.Logger,
) (string, error) {
	cp, err := h.deps.Source.CommentPage(ctx, video.ID, cursor)
	if err != nil {
		if fatal(ctx, err) {
			return "", err
		}
		logger.Warn("comment page failed, ending video", zap.Error(err))
		return "", nil
	}
	if cp.Code != 0 {
		logger.Warn("comment page rejected, ending video",
			zap.Int("code", cp.Code),
			zap.String("message", cp.Message),
		)
		return "", nil
	}

	for _, root := range cp.Comments {
		key := crawler.ChainKey{TaskID: task.ID, OID: video.ID, Page: page, RPID: root.RPID}
		rootLogger := logger.With(zap.Int64("rpid", root.RPID))
		if h.cfg.SkipExisting {
			exists, err := h.deps.Chains.ChainsExist(ctx, key)
			if err != nil {
				return "", err
			}
			if exists {
				metrics.ObserveRootComment(metrics.OutcomeSkipped)
				rootLogger.Debug("chain file exists, skipping")
				continue
			}
		}
		if err := h.harvestRoot(ctx, key, video, root, summary, rootLogger); err != nil {
			return "", err
		}
		if err := h.pause(ctx, h.cfg.SleepOneReply); err != nil {
			return "", err
		}
	}
	if len(cp.Comments) > 0 {
		logger.Debug("page done", zap.String("first_comment", cp.Comments[0].Text))
	}
	return cp.NextCursor, nil
}

func (h *Harvester) harvestRoot(
	ctx context.Context,
	key crawler.ChainKey,
	video crawler.Video,
	root crawler.RootComment,
	summary *crawler.TaskSummary,
	logger *zap.Logger,
) error {
	replies, err := h.fetchReplies(ctx, video.ID, root, logger)
	if err != nil {
		return err
	}
	chains := dialogue.BuildChains(root, replies, video.Title, h.cfg.MinDialogLength)
	if len(chains) == 0 {
		metrics.ObserveRootComment(metrics.OutcomeEmpty)
		logger.Info("no qualifying dialogue, nothing saved")
		return nil
	}
	location, err := h.deps.Chains.WriteChains(ctx, key, chains)
	if err != nil {
		return err
	}
	summary.ChainFiles++
	summary.Chains += len(chains)
	metrics.ObserveChains(len(chains))
	metrics.ObserveRootComment(metrics.OutcomeSaved)
	logger.Info("dialogue saved", zap.Int("chains", len(chains)), zap.Int("replies", len(replies)))

	if h.deps.Index != nil {
		record := crawler.ChainIndexRecord{
			Key:       key,
			Chains:    len(chains),
			Location:  location,
			IndexedAt: h.deps.Clock.Now(),
		}
		if err := h.deps.Index.IndexChains(ctx, record); err != nil {
			logger.Warn("chain index update failed", zap.Error(err))
		}
	}
	return nil
}

type replyPage struct {
	page    int
	replies []crawler.Reply
}

// fetchReplies pulls every reply page of root through a bounded pool. A failed
// page counts as empty unless the failure must stop the crawl.
func (h *Harvester) fetchReplies(
	ctx context.Context,
	oid int64,
	root crawler.RootComment,
	logger *zap.Logger,
) ([]crawler.Reply, error) {
	pages := PageCount(root.ReplyCount, h.cfg.PageSize)
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stopErr error
	p := pool.New[replyPage](h.cfg.PoolSize)
	for pn := 1; pn <= pages; pn++ {
		if pn%progressEvery == 0 {
			logger.Info("fetching reply pages", zap.Int("reply_page", pn), zap.Int("reply_pages", pages))
		}
		p.Submit(batchCtx, func(ctx context.Context) (replyPage, error) {
			replies, err := h.deps.Source.ReplyPage(ctx, oid, root.RPID, pn)
			return replyPage{page: pn, replies: replies}, err
		}, func(r pool.Result[replyPage]) {
			switch {
			case r.Err == nil:
				logger.Debug("reply page fetched", zap.Int("reply_page", r.Value.page), zap.Int("replies", len(r.Value.replies)))
			case stopErr == nil && fatal(ctx, r.Err):
				stopErr = r.Err
				cancel()
			case stopErr == nil:
				logger.Warn("reply page failed, treating as empty",
					zap.Int("reply_page", r.Value.page),
					zap.Error(r.Err),
				)
			}
		})
	}
	results := p.Join()
	if stopErr != nil {
		return nil, stopErr
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Value.page < results[j].Value.page
	})
	var replies []crawler.Reply
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		replies = append(replies, r.Value.replies...)
	}
	return replies, nil
}

// fatal reports whether err must abort the task instead of being absorbed.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, crawler.ErrRateLimited) || ctx.Err() != nil
}
