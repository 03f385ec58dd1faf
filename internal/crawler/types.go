package crawler

import (
	"net/http"
	"net/url"
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in result.json.
const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFinished TaskStatus = "finished"
	TaskStatusFailed   TaskStatus = "failed"
)

// RootParent is the parent id carried by top-level comments. Replies under
// one root comment form a forest hanging off this value.
const RootParent int64 = 0

// Task is one crawl request: search Query and harvest at most TopN videos.
type Task struct {
	ID    string `json:"task_id"`
	Query string `json:"query"`
	TopN  int    `json:"top_n"`
}

// TaskRecord is the persisted status object for a task.
type TaskRecord struct {
	Status TaskStatus `json:"status"`
	Query  string     `json:"query"`
	Data   any        `json:"data"`
}

// TaskUpdate carries the fields to merge onto a TaskRecord. Zero-valued
// fields leave the stored value untouched.
type TaskUpdate struct {
	Status TaskStatus
	Query  string
	Data   any
}

// TaskSummary is stored as the data payload of a finished task.
type TaskSummary struct {
	Videos     int `json:"videos"`
	ChainFiles int `json:"chain_files"`
	Chains     int `json:"chains"`
}

// Video is a search hit the harvester walks. ID is the platform oid.
type Video struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// RootComment is a top-level comment on a video.
type RootComment struct {
	RPID       int64
	ReplyCount int
	Author     string
	Text       string
}

// Reply is a nested comment under a RootComment. ParentID is either the rpid
// of another reply or the rpid of the root comment itself.
type Reply struct {
	RPID     int64
	ParentID int64
	Author   string
	Text     string
}

// CommentPage is one page of root comments plus the cursor for the next page.
// An empty NextCursor ends the stream.
type CommentPage struct {
	Code       int
	Message    string
	Comments   []RootComment
	NextCursor string
}

// ChainEntry is one utterance in a dialogue chain.
type ChainEntry struct {
	From  string `json:"from"`
	Value string `json:"value"`
	Video string `json:"video"`
}

// DialogueChain is one root-to-leaf path through a comment's reply forest.
type DialogueChain []ChainEntry

// ChainKey addresses the chain file written for one root comment.
type ChainKey struct {
	TaskID string
	OID    int64
	Page   int
	RPID   int64
}

// ChainFile is a persisted chain file read back from storage.
type ChainFile struct {
	Path   string
	Chains []DialogueChain
}

// ChainIndexRecord is written to the optional chain index for every chain file.
type ChainIndexRecord struct {
	Key       ChainKey
	Chains    int
	Location  string
	IndexedAt time.Time
}

// FetchRequest describes one outbound GET.
type FetchRequest struct {
	URL     string
	Params  url.Values
	Headers http.Header
	Cookies []*http.Cookie
	Timeout time.Duration
}

// FetchResponse is the successful result of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	Task      Task
	Submitted int64
}
