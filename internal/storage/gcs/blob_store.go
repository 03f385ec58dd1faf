// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// BlobStore reads and writes objects in a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	name, err := s.objectName(path)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// GetObject downloads the object at path.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	name, err := s.objectName(path)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", path, crawler.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists reports whether an object is stored at path.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	name, err := s.objectName(path)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("object attrs: %w", err)
	}
	return true, nil
}

// List returns the paths of all objects under prefix, sorted and relative to
// the store prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: s.prefix + strings.TrimSuffix(prefix, "/") + "/"}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	var paths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		paths = append(paths, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *BlobStore) objectName(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	return s.prefix + strings.TrimPrefix(path, "/"), nil
}
