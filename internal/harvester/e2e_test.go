package harvester

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/bilibili"
	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/replychain-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/replychain-crawler/internal/storage"
	"github.com/JakeFAU/replychain-crawler/internal/storage/local"
)

type fakeAPI struct {
	replyCalls   atomic.Int32
	limitReplies atomic.Bool
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.URL.Path {
	case "/x/web-interface/search/all/v2":
		fmt.Fprint(w, `{"code":0,"data":{"result":[{"result_type":"video","data":[{"id":4242,"title":"<em class=\"keyword\">猫</em>咪"}]}]}}`)
	case "/x/v2/reply/count":
		fmt.Fprint(w, `{"code":0,"data":{"count":2}}`)
	case "/x/v2/reply/main":
		fmt.Fprint(w, `{"code":0,"data":{"replies":[
			{"rpid":1,"rcount":2,"parent":0,"member":{"uname":"alice"},"content":{"message":"hello"}},
			{"rpid":2,"rcount":0,"parent":0,"member":{"uname":"bob"},"content":{"message":"solo"}}
		],"cursor":{"pagination_reply":{}}}}`)
	case "/x/v2/reply/reply":
		a.replyCalls.Add(1)
		if a.limitReplies.Load() {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if q.Get("root") == "1" && q.Get("pn") == "1" {
			fmt.Fprint(w, `{"code":0,"data":{"replies":[
				{"rpid":10,"parent":1,"member":{"uname":"carol"},"content":{"message":"hi alice"}},
				{"rpid":11,"parent":10,"member":{"uname":"alice"},"content":{"message":"回复 @carol: hi carol"}}
			]}}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"replies":null}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newLiveHarvester(t *testing.T, apiURL, dataDir string) (*Harvester, *storage.Store) {
	t.Helper()

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second, Cooldown: 0, MaxRetries: 2})
	client := bilibili.NewClient(fetcher, nil, bilibili.Config{APIBase: apiURL}, zap.NewNop())
	blobs, err := local.New(local.Config{BaseDir: dataDir})
	require.NoError(t, err)
	store := storage.New(blobs)
	h, err := New(Deps{Source: client, Chains: store, Tasks: store}, Config{SkipExisting: true, PoolSize: 4}, zap.NewNop())
	require.NoError(t, err)
	return h, store
}

func TestLive_ResumeLeavesFilesUntouched(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	dir := t.TempDir()
	h, store := newLiveHarvester(t, srv.URL, dir)

	task := crawler.Task{ID: "resume", Query: "猫", TopN: 1}
	summary, err := h.Run(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSummary{Videos: 1, ChainFiles: 2, Chains: 2}, summary)

	path := filepath.Join(dir, "task_resume", "video_4242", "page_1", "rpid_1_convs.json")
	// #nosec G304 -- test reads from the controlled temp directory.
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(first), `"value": "hi carol"`)
	require.Contains(t, string(first), `"video": "猫咪"`)
	info, err := os.Stat(path)
	require.NoError(t, err)
	callsAfterFirst := api.replyCalls.Load()

	_, err = h.Run(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, callsAfterFirst, api.replyCalls.Load())

	// #nosec G304 -- test reads from the controlled temp directory.
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
	again, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, info.ModTime(), again.ModTime())

	record, err := store.GetTaskStatus(context.Background(), "resume")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFinished, record.Status)
}

func TestLive_PersistentRateLimitTerminatesRun(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	api.limitReplies.Store(true)
	srv := httptest.NewServer(api)
	defer srv.Close()
	dir := t.TempDir()
	h, store := newLiveHarvester(t, srv.URL, dir)

	done := make(chan error, 1)
	go func() {
		_, err := h.Run(context.Background(), crawler.Task{ID: "limited", Query: "猫"})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrRateLimited)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate under persistent 412")
	}

	record, err := store.GetTaskStatus(context.Background(), "limited")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, record.Status)
	require.NoFileExists(t, filepath.Join(dir, "task_limited", "video_4242", "page_1", "rpid_1_convs.json"))
	require.Equal(t, int32(3), api.replyCalls.Load())
}
