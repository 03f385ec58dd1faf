// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(tempFile, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: tempFile})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("NestedPath", func(t *testing.T) {
		path := "task_1/video_2/page_1/rpid_3_convs.json"
		data := []byte("[]")
		uri, err := store.PutObject(context.Background(), path, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
		assert.NoFileExists(t, filepath.Join(tempDir, path+".tmp"))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.json", "", bytes.NewReader(nil))
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestGetExistsList(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "task_1/result.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetObject(ctx, "task_1/result.json")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)

	for _, p := range []string{"task_1/result.json", "task_1/video_9/page_1/rpid_2_convs.json", "task_2/result.json"} {
		_, err := store.PutObject(ctx, p, "application/json", bytes.NewReader([]byte(p)))
		require.NoError(t, err)
	}

	ok, err = store.Exists(ctx, "task_1/result.json")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "task_1/video_9")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetObject(ctx, "task_2/result.json")
	require.NoError(t, err)
	assert.Equal(t, "task_2/result.json", string(got))

	paths, err := store.List(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1/result.json", "task_1/video_9/page_1/rpid_2_convs.json"}, paths)

	paths, err = store.List(ctx, "task_missing")
	require.NoError(t, err)
	assert.Empty(t, paths)
}
