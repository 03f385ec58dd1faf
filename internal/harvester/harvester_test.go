package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/clock/system"
	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	pubmemory "github.com/JakeFAU/replychain-crawler/internal/publisher/memory"
	"github.com/JakeFAU/replychain-crawler/internal/storage"
	"github.com/JakeFAU/replychain-crawler/internal/storage/memory"
)

const testOID int64 = 100

type env struct {
	source    *fakeSource
	blobs     *memory.BlobStore
	store     *storage.Store
	publisher *pubmemory.Publisher
	index     *fakeIndex
	clock     *system.Fixed
}

func newEnv() *env {
	blobs := memory.NewBlobStore()
	return &env{
		source:    newFakeSource(),
		blobs:     blobs,
		store:     storage.New(blobs),
		publisher: pubmemory.New(),
		index:     &fakeIndex{},
		clock:     system.NewFixed(time.Unix(1700000000, 0)),
	}
}

func (e *env) harvester(t *testing.T, cfg Config, credential crawler.Credential) *Harvester {
	t.Helper()
	h, err := New(Deps{
		Source:     e.source,
		Chains:     e.store,
		Tasks:      e.store,
		Credential: credential,
		Index:      e.index,
		Publisher:  e.publisher,
		Clock:      e.clock,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return h
}

func reply(id, parent int64, author, text string) crawler.Reply {
	return crawler.Reply{RPID: id, ParentID: parent, Author: author, Text: text}
}

// seedTwoPages sets up one video with two comment pages: roots 1 and 2 on
// page 1, root 3 on page 2.
func (e *env) seedTwoPages() {
	e.source.videos = []crawler.Video{{ID: testOID, Title: "测试视频"}}
	e.source.counts[testOID] = 25
	e.source.pages[testOID] = map[string]crawler.CommentPage{
		"": {Comments: []crawler.RootComment{
			{RPID: 1, ReplyCount: 3, Author: "alice", Text: "root one"},
			{RPID: 2, ReplyCount: 0, Author: "bob", Text: "root two"},
		}, NextCursor: "c2"},
		"c2": {Comments: []crawler.RootComment{
			{RPID: 3, ReplyCount: 1, Author: "carol", Text: "root three"},
		}},
	}
	e.source.replies[replyKey{root: 1, page: 1}] = []crawler.Reply{
		reply(11, 1, "dave", "first"),
		reply(12, 11, "erin", "回复 @dave: second"),
		reply(13, 11, "frank", "third"),
	}
	e.source.replies[replyKey{root: 3, page: 1}] = []crawler.Reply{reply(31, 3, "gina", "hey")}
}

func readChains(t *testing.T, e *env, key crawler.ChainKey) []crawler.DialogueChain {
	t.Helper()
	raw, err := e.blobs.GetObject(context.Background(), storage.ChainPath(key))
	require.NoError(t, err)
	var chains []crawler.DialogueChain
	require.NoError(t, json.Unmarshal(raw, &chains))
	return chains
}

func TestPageCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, PageCount(45, 20))
	assert.Equal(t, 1, PageCount(0, 20))
	assert.Equal(t, 3, PageCount(40, 20))
	assert.Equal(t, 1, PageCount(-5, 20))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(Deps{Source: newFakeSource()}, Config{}, nil)
	require.Error(t, err)
}

func TestRun_HarvestsAndPersistsChains(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	h := e.harvester(t, Config{SkipExisting: true, NotifyTopic: "tasks"}, nil)

	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1", Query: "猫", TopN: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSummary{Videos: 1, ChainFiles: 3, Chains: 4}, summary)

	root1 := readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1})
	require.Len(t, root1, 2)
	require.Equal(t, crawler.DialogueChain{
		{From: "alice", Value: "root one", Video: "测试视频"},
		{From: "dave", Value: "first", Video: "测试视频"},
		{From: "erin", Value: "second", Video: "测试视频"},
	}, root1[0])
	require.Equal(t, "frank", root1[1][2].From)

	root2 := readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 2})
	require.Equal(t, []crawler.DialogueChain{{{From: "bob", Value: "root two", Video: "测试视频"}}}, root2)

	root3 := readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 2, RPID: 3})
	require.Len(t, root3, 1)
	require.Len(t, root3[0], 2)

	record, err := e.store.GetTaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFinished, record.Status)
	require.Equal(t, "猫", record.Query)
	require.Equal(t, map[string]any{"videos": 1.0, "chain_files": 3.0, "chains": 4.0}, record.Data)

	msgs := e.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "tasks", msgs[0].Topic)
	event, ok := msgs[0].Payload.(TaskEvent)
	require.True(t, ok)
	require.Equal(t, crawler.TaskStatusFinished, event.Status)
	require.Equal(t, e.clock.Now(), event.Timestamp)

	require.Len(t, e.index.records, 3)
	require.Equal(t, "memory://task_t1/video_100/page_1/rpid_1_convs.json", e.index.records[0].Location)
}

func TestRun_SkipsExistingChainFiles(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	key := crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1}
	_, err := e.store.WriteChains(context.Background(), key, []crawler.DialogueChain{{{From: "old", Value: "kept"}}})
	require.NoError(t, err)
	before, err := e.blobs.GetObject(context.Background(), storage.ChainPath(key))
	require.NoError(t, err)

	h := e.harvester(t, Config{SkipExisting: true}, nil)
	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1", Query: "q"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.ChainFiles)
	require.Zero(t, e.source.calls(1))

	after, err := e.blobs.GetObject(context.Background(), storage.ChainPath(key))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRun_RewritesWhenSkipDisabled(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	key := crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1}
	_, err := e.store.WriteChains(context.Background(), key, []crawler.DialogueChain{{{From: "old"}}})
	require.NoError(t, err)

	h := e.harvester(t, Config{SkipExisting: false}, nil)
	_, err = h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, e.source.calls(1))
	require.Len(t, readChains(t, e, key), 2)
}

func TestRun_MinDialogLengthKeepsRootsWithoutReplies(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	h := e.harvester(t, Config{MinDialogLength: 3}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)

	lone := readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 2})
	require.Len(t, lone, 1)
	require.Equal(t, crawler.DialogueChain{{From: "bob", Value: "root two", Video: "测试视频"}}, lone[0])

	require.Len(t, readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1}), 2)
	exists, err := e.store.ChainsExist(context.Background(), crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 2, RPID: 3})
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRun_ReplyPageFailureTreatedAsEmpty(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.source.videos = []crawler.Video{{ID: testOID}}
	e.source.counts[testOID] = 1
	e.source.pages[testOID] = map[string]crawler.CommentPage{
		"": {Comments: []crawler.RootComment{{RPID: 1, ReplyCount: 45, Author: "a", Text: "root"}}},
	}
	e.source.replies[replyKey{1, 1}] = []crawler.Reply{reply(10, 1, "b", "p1")}
	e.source.replyErr[replyKey{1, 2}] = fmt.Errorf("boom: %w", crawler.ErrFetchFailed)
	e.source.replies[replyKey{1, 3}] = []crawler.Reply{reply(30, 1, "c", "p3")}

	h := e.harvester(t, Config{PoolSize: 2}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 3, e.source.calls(1))

	chains := readChains(t, e, crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1})
	require.Len(t, chains, 2)
	require.Equal(t, "p1", chains[0][1].Value)
	require.Equal(t, "p3", chains[1][1].Value)
}

func TestRun_RateLimitFailsTask(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.source.replyErr[replyKey{1, 1}] = &crawler.RateLimitError{URL: "reply", Attempts: 4}

	h := e.harvester(t, Config{SkipExisting: true}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1", Query: "q"})
	require.ErrorIs(t, err, crawler.ErrRateLimited)

	record, err := e.store.GetTaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, record.Status)
	require.Contains(t, record.Data, "rate limited")

	ok, err := e.store.ChainsExist(context.Background(), crawler.ChainKey{TaskID: "t1", OID: testOID, Page: 1, RPID: 1})
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, e.source.calls(2)+e.source.calls(3))
}

func TestRun_RateLimitOnCommentPage(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.source.pageErr = &crawler.RateLimitError{URL: "main", Attempts: 4}

	h := e.harvester(t, Config{}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.ErrorIs(t, err, crawler.ErrRateLimited)
}

func TestRun_CommentPageFailureEndsVideo(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.source.pageErr = fmt.Errorf("decode: %w", crawler.ErrMalformedResponse)

	h := e.harvester(t, Config{}, nil)
	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSummary{Videos: 1}, summary)
	require.Equal(t, 1, e.source.pageCalls)
}

func TestRun_RemoteCodeStopsPaging(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.source.videos = []crawler.Video{{ID: testOID}}
	e.source.counts[testOID] = 100
	e.source.pages[testOID] = map[string]crawler.CommentPage{
		"": {Code: 12002, Message: "closed"},
	}

	h := e.harvester(t, Config{}, nil)
	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Videos)
	require.Equal(t, 1, e.source.pageCalls)
}

func TestRun_CountFailureSkipsVideo(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.source.videos = append([]crawler.Video{{ID: 7}}, e.source.videos...)
	e.source.countErr[7] = fmt.Errorf("x: %w", crawler.ErrFetchFailed)

	h := e.harvester(t, Config{}, nil)
	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1", TopN: 2})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Videos)
	require.Equal(t, 3, summary.ChainFiles)
}

func TestRun_TopNLimitsVideos(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.source.videos = append(e.source.videos, crawler.Video{ID: 200}, crawler.Video{ID: 300})
	e.source.countErr[200] = errors.New("must not be reached")

	h := e.harvester(t, Config{DefaultTopN: 1}, nil)
	summary, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Videos)
}

func TestRun_PanicMarksTaskFailed(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.source.panicMsg = "nil map"

	h := e.harvester(t, Config{}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1", Query: "q"})
	require.ErrorContains(t, err, "task panic: nil map")

	record, err := e.store.GetTaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, record.Status)
	require.Equal(t, "error:task panic: nil map", record.Data)
	require.Equal(t, "q", record.Query)
}

func TestRun_CredentialRefresh(t *testing.T) {
	t.Parallel()

	t.Run("refreshes when expired", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		e.seedTwoPages()
		cred := &fakeCredential{need: true}
		_, err := e.harvester(t, Config{}, cred).Run(context.Background(), crawler.Task{ID: "t1"})
		require.NoError(t, err)
		require.Equal(t, 1, cred.refreshed)
	})

	t.Run("refresh failure fails task", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		e.seedTwoPages()
		cred := &fakeCredential{need: true, refreshErr: errors.New("login required")}
		_, err := e.harvester(t, Config{}, cred).Run(context.Background(), crawler.Task{ID: "t1"})
		require.ErrorContains(t, err, "login required")
		require.Zero(t, e.source.pageCalls)
	})

	t.Run("valid credential is left alone", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		e.seedTwoPages()
		cred := &fakeCredential{}
		_, err := e.harvester(t, Config{}, cred).Run(context.Background(), crawler.Task{ID: "t1"})
		require.NoError(t, err)
		require.Zero(t, cred.refreshed)
	})
}

func TestRun_ReplyFetchesRespectPoolSize(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.source.videos = []crawler.Video{{ID: testOID}}
	e.source.pages[testOID] = map[string]crawler.CommentPage{
		"": {Comments: []crawler.RootComment{{RPID: 1, ReplyCount: 200}}},
	}
	e.source.hold = make(chan struct{})
	go func() {
		for i := 0; i < 11; i++ {
			time.Sleep(time.Millisecond)
			e.source.hold <- struct{}{}
		}
	}()

	h := e.harvester(t, Config{PoolSize: 3}, nil)
	_, err := h.Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 11, e.source.calls(1))
	require.LessOrEqual(t, e.source.peak.Load(), int32(3))
}

func TestRun_IndexAndPublishFailuresAreAbsorbed(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	e.index.err = errors.New("db down")
	e.publisher.FailWith(errors.New("pubsub down"))

	summary, err := e.harvester(t, Config{}, nil).Run(context.Background(), crawler.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 3, summary.ChainFiles)
}

func TestRun_CanceledContextFailsTask(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	ctx, cancel := context.WithCancel(context.Background())
	h := e.harvester(t, Config{SleepOneReply: time.Hour}, nil)
	h.pause = func(ctx context.Context, d time.Duration) error {
		cancel()
		return crawler.Pause(ctx, d)
	}

	_, err := h.Run(ctx, crawler.Task{ID: "t1"})
	require.ErrorIs(t, err, context.Canceled)

	record, err := e.store.GetTaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, record.Status)
}

type recordingTasks struct {
	*storage.Store
	updates []crawler.TaskUpdate
}

func (r *recordingTasks) MergeWriteTaskStatus(ctx context.Context, taskID string, update crawler.TaskUpdate) (crawler.TaskRecord, error) {
	r.updates = append(r.updates, update)
	return r.Store.MergeWriteTaskStatus(ctx, taskID, update)
}

func TestRun_RecordsProgressAfterEachVideo(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.seedTwoPages()
	tasks := &recordingTasks{Store: e.store}
	h, err := New(Deps{Source: e.source, Chains: e.store, Tasks: tasks}, Config{PoolSize: 2}, zap.NewNop())
	require.NoError(t, err)

	summary, err := h.Run(context.Background(), crawler.Task{ID: "progress", Query: "q"})
	require.NoError(t, err)

	require.Len(t, tasks.updates, 3)
	require.Equal(t, crawler.TaskStatusRunning, tasks.updates[0].Status)
	require.Empty(t, tasks.updates[1].Status)
	require.Equal(t, summary, tasks.updates[1].Data)
	require.Equal(t, crawler.TaskStatusFinished, tasks.updates[2].Status)
}
