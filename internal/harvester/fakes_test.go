package harvester

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

type replyKey struct {
	root int64
	page int
}

type fakeSource struct {
	mu sync.Mutex

	videos    []crawler.Video
	searchErr error
	panicMsg  string

	counts   map[int64]int
	countErr map[int64]error

	// pages is keyed by oid then cursor.
	pages   map[int64]map[string]crawler.CommentPage
	pageErr error

	replies  map[replyKey][]crawler.Reply
	replyErr map[replyKey]error

	replyCalls map[int64]int
	pageCalls  int

	inflight atomic.Int32
	peak     atomic.Int32
	hold     chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		counts:     map[int64]int{},
		countErr:   map[int64]error{},
		pages:      map[int64]map[string]crawler.CommentPage{},
		replies:    map[replyKey][]crawler.Reply{},
		replyErr:   map[replyKey]error{},
		replyCalls: map[int64]int{},
	}
}

func (f *fakeSource) SearchVideos(context.Context, string) ([]crawler.Video, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.videos, f.searchErr
}

func (f *fakeSource) CommentCount(_ context.Context, oid int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[oid]; err != nil {
		return 0, err
	}
	return f.counts[oid], nil
}

func (f *fakeSource) CommentPage(_ context.Context, oid int64, cursor string) (crawler.CommentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.pageErr != nil {
		return crawler.CommentPage{}, f.pageErr
	}
	page, ok := f.pages[oid][cursor]
	if !ok {
		return crawler.CommentPage{}, errors.New("unexpected cursor " + cursor)
	}
	return page, nil
}

func (f *fakeSource) ReplyPage(ctx context.Context, _ int64, root int64, page int) ([]crawler.Reply, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls[root]++
	key := replyKey{root: root, page: page}
	if err := f.replyErr[key]; err != nil {
		return nil, err
	}
	return f.replies[key], nil
}

func (f *fakeSource) calls(root int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyCalls[root]
}

type fakeCredential struct {
	need       bool
	needErr    error
	refreshErr error
	refreshed  int
}

func (c *fakeCredential) Cookies() []*http.Cookie { return nil }

func (c *fakeCredential) NeedsRefresh(context.Context) (bool, error) {
	return c.need, c.needErr
}

func (c *fakeCredential) Refresh(context.Context) error {
	c.refreshed++
	return c.refreshErr
}

type fakeIndex struct {
	mu      sync.Mutex
	records []crawler.ChainIndexRecord
	err     error
}

func (i *fakeIndex) IndexChains(_ context.Context, record crawler.ChainIndexRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.records = append(i.records, record)
	return nil
}
