// Package storage lays dialogue chain files and task status records out on a
// crawler.BlobStore.
//
// Layout, relative to the data root:
//
//	task_{id}/result.json
//	task_{id}/video_{oid}/page_{page}/rpid_{rpid}_convs.json
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

const (
	contentTypeJSON = "application/json"
	resultFile      = "result.json"
	chainSuffix     = "_convs.json"
)

// Store implements crawler.ChainStore and crawler.TaskStore. Status writes are
// serialized within one Store; separate processes must not share a task id.
type Store struct {
	blobs crawler.BlobStore

	statusMu sync.Mutex
}

var (
	_ crawler.ChainStore = (*Store)(nil)
	_ crawler.TaskStore  = (*Store)(nil)
)

// New wraps a blob store.
func New(blobs crawler.BlobStore) *Store {
	return &Store{blobs: blobs}
}

// TaskDir is the directory holding everything written for a task.
func TaskDir(taskID string) string {
	return "task_" + taskID
}

// ChainPath is the chain file location for one root comment.
func ChainPath(key crawler.ChainKey) string {
	return fmt.Sprintf("%s/video_%d/page_%d/rpid_%d%s", TaskDir(key.TaskID), key.OID, key.Page, key.RPID, chainSuffix)
}

// ResultPath is the task status record location.
func ResultPath(taskID string) string {
	return path.Join(TaskDir(taskID), resultFile)
}

// ChainsExist reports whether the chain file for key was already written.
func (s *Store) ChainsExist(ctx context.Context, key crawler.ChainKey) (bool, error) {
	ok, err := s.blobs.Exists(ctx, ChainPath(key))
	if err != nil {
		return false, fmt.Errorf("check chain file: %w", err)
	}
	return ok, nil
}

// WriteChains writes chains as one JSON array and returns the object URI.
func (s *Store) WriteChains(ctx context.Context, key crawler.ChainKey, chains []crawler.DialogueChain) (string, error) {
	body, err := encodeJSON(chains)
	if err != nil {
		return "", fmt.Errorf("encode chains: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, ChainPath(key), contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("write chain file: %w", err)
	}
	return uri, nil
}

// ListChainFiles reads back every chain file of a task in path order.
func (s *Store) ListChainFiles(ctx context.Context, taskID string) ([]crawler.ChainFile, error) {
	paths, err := s.blobs.List(ctx, TaskDir(taskID))
	if err != nil {
		return nil, fmt.Errorf("list task files: %w", err)
	}
	var files []crawler.ChainFile
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") || path.Base(p) == resultFile {
			continue
		}
		data, err := s.blobs.GetObject(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		var chains []crawler.DialogueChain
		if err := json.Unmarshal(data, &chains); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		files = append(files, crawler.ChainFile{Path: p, Chains: chains})
	}
	return files, nil
}

// ReadOrInitTaskStatus returns the stored record, or an empty one when the
// task has none yet. Nothing is written.
func (s *Store) ReadOrInitTaskStatus(ctx context.Context, taskID string) (crawler.TaskRecord, error) {
	record, err := s.GetTaskStatus(ctx, taskID)
	if errors.Is(err, crawler.ErrTaskNotFound) {
		return crawler.TaskRecord{}, nil
	}
	return record, err
}

// MergeWriteTaskStatus merges the non-zero fields of update onto the stored
// record and writes the result back.
func (s *Store) MergeWriteTaskStatus(ctx context.Context, taskID string, update crawler.TaskUpdate) (crawler.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return crawler.TaskRecord{}, fmt.Errorf("task id is required")
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	record, err := s.ReadOrInitTaskStatus(ctx, taskID)
	if err != nil {
		return crawler.TaskRecord{}, err
	}
	if update.Status != "" {
		record.Status = update.Status
	}
	if update.Query != "" {
		record.Query = update.Query
	}
	if update.Data != nil {
		record.Data = update.Data
	}

	body, err := encodeJSON(record)
	if err != nil {
		return crawler.TaskRecord{}, fmt.Errorf("encode task status: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, ResultPath(taskID), contentTypeJSON, bytes.NewReader(body)); err != nil {
		return crawler.TaskRecord{}, fmt.Errorf("write task status: %w", err)
	}
	return record, nil
}

// GetTaskStatus reads the stored record or returns crawler.ErrTaskNotFound.
func (s *Store) GetTaskStatus(ctx context.Context, taskID string) (crawler.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return crawler.TaskRecord{}, fmt.Errorf("task id is required")
	}
	data, err := s.blobs.GetObject(ctx, ResultPath(taskID))
	if err != nil {
		if errors.Is(err, crawler.ErrObjectNotFound) {
			return crawler.TaskRecord{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrTaskNotFound)
		}
		return crawler.TaskRecord{}, fmt.Errorf("read task status: %w", err)
	}
	var record crawler.TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return crawler.TaskRecord{}, fmt.Errorf("decode task status: %w", err)
	}
	return record, nil
}

// encodeJSON renders v indented by two spaces with non-ASCII text and HTML
// characters left as-is.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
