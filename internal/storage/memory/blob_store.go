// Package memory keeps blob content in-memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

// BlobStore stores objects in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	puts int
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// PutObject persists a copy of the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	s.puts++
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, crawler.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether path has been written.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

// List returns the stored paths under prefix, sorted.
func (s *BlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := strings.TrimSuffix(prefix, "/") + "/"
	var paths []string
	for p := range s.data {
		if strings.HasPrefix(p, dir) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Puts reports how many writes the store has accepted.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
