package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Fetcher issues a single GET, applying the rate-limit retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CommentSource is the remote comment API consumed by the harvester.
type CommentSource interface {
	CommentCount(ctx context.Context, oid int64) (int, error)
	CommentPage(ctx context.Context, oid int64, cursor string) (CommentPage, error)
	ReplyPage(ctx context.Context, oid, root int64, page int) ([]Reply, error)
	SearchVideos(ctx context.Context, query string) ([]Video, error)
}

// Credential supplies login cookies and knows whether they need refreshing.
type Credential interface {
	Cookies() []*http.Cookie
	NeedsRefresh(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
}

// BlobStore is the raw object layer beneath the persistence store.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ChainStore persists dialogue chains per root comment. A chain file's
// existence marks the root comment as processed.
type ChainStore interface {
	ChainsExist(ctx context.Context, key ChainKey) (bool, error)
	WriteChains(ctx context.Context, key ChainKey, chains []DialogueChain) (string, error)
	ListChainFiles(ctx context.Context, taskID string) ([]ChainFile, error)
}

// TaskStore persists one status record per task.
type TaskStore interface {
	ReadOrInitTaskStatus(ctx context.Context, taskID string) (TaskRecord, error)
	MergeWriteTaskStatus(ctx context.Context, taskID string, update TaskUpdate) (TaskRecord, error)
	GetTaskStatus(ctx context.Context, taskID string) (TaskRecord, error)
}

// ChainIndex records persisted chain files in a queryable store.
type ChainIndex interface {
	IndexChains(ctx context.Context, record ChainIndexRecord) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
