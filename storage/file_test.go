package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-tus/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRenameOS struct {
	internal.RealOS
	err error
}

func (o failingRenameOS) Rename(string, string) error {
	return o.err
}

func newTestFile(t *testing.T) *File {
	store, err := NewFile(filepath.Join(t.TempDir(), "nested", "uploads.json"), log.NewLogger())
	require.NoError(t, err)
	return store
}

func TestFile(t *testing.T) {
	testStorageContract(t, newTestFile(t))
}

func TestFile_concurrency(t *testing.T) {
	testStorageConcurrency(t, newTestFile(t))
}

func TestFile_sharedBetweenInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	first, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)
	second, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i, store := range []*File{first, second} {
		wg.Add(1)
		go func(i int, store *File) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := store.AddUpload(ctx, fmt.Sprintf("tus-%d", i), PreviousUpload{CreationTime: time.Now()})
				assert.NoError(t, err)
			}
		}(i, store)
	}
	wg.Wait()

	all, err := first.FindAllUploads(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestFile_permissions(t *testing.T) {
	store := newTestFile(t)
	_, err := store.AddUpload(context.Background(), "tus-aaa", PreviousUpload{UploadURL: "https://tus.example.com/files/1"})
	require.NoError(t, err)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFile_failedWriteKeepsPreviousDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uploads.json")

	store, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)
	_, err = store.AddUpload(context.Background(), "tus-aaa", PreviousUpload{UploadURL: "https://tus.example.com/files/1"})
	require.NoError(t, err)

	broken, err := newFile(path, failingRenameOS{err: errors.New("disk full")}, log.NewLogger())
	require.NoError(t, err)
	_, err = broken.AddUpload(context.Background(), "tus-bbb", PreviousUpload{UploadURL: "https://tus.example.com/files/2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	all, err := store.FindAllUploads(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "tus-aaa", all[0].Fingerprint)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary files must be cleaned up")
}

func TestFile_corruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)

	_, err = store.FindAllUploads(context.Background())
	require.Error(t, err)
}

func TestFile_cancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	holder, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)

	locked, err := holder.lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.unlock()

	waiter, err := NewFile(path, log.NewLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = waiter.AddUpload(ctx, "tus-aaa", PreviousUpload{})
	require.Error(t, err)
}

func TestNewFile_emptyPath(t *testing.T) {
	_, err := NewFile("", log.NewLogger())
	require.Error(t, err)
}
