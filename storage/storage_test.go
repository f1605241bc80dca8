package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStorageContract runs the behaviour every URLStorage shares.
func testStorageContract(t *testing.T, store URLStorage) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	all, err := store.FindAllUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	oldKey, err := store.AddUpload(ctx, "tus-aaa", PreviousUpload{
		UploadURL:    "https://tus.example.com/files/1",
		Size:         100,
		Metadata:     map[string]string{"filename": "a.txt"},
		CreationTime: created,
	})
	require.NoError(t, err)
	require.NotEmpty(t, oldKey)

	newKey, err := store.AddUpload(ctx, "tus-aaa", PreviousUpload{
		UploadURL:    "https://tus.example.com/files/2",
		Size:         100,
		CreationTime: created.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = store.AddUpload(ctx, "tus-bbb", PreviousUpload{
		ParallelUploadURLs: []string{"https://tus.example.com/files/p1", "https://tus.example.com/files/p2"},
		Size:               50,
		CreationTime:       created,
	})
	require.NoError(t, err)

	found, err := store.FindUploadsByFingerprint(ctx, "tus-aaa")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "https://tus.example.com/files/2", found[0].UploadURL, "newest record comes first")
	assert.Equal(t, newKey, found[0].StorageKey)
	assert.Equal(t, "https://tus.example.com/files/1", found[1].UploadURL)
	assert.Equal(t, oldKey, found[1].StorageKey)
	assert.Equal(t, "tus-aaa", found[1].Fingerprint)
	assert.Equal(t, map[string]string{"filename": "a.txt"}, found[1].Metadata)
	assert.True(t, created.Equal(found[1].CreationTime))

	parallel, err := store.FindUploadsByFingerprint(ctx, "tus-bbb")
	require.NoError(t, err)
	require.Len(t, parallel, 1)
	assert.Equal(t, []string{"https://tus.example.com/files/p1", "https://tus.example.com/files/p2"}, parallel[0].ParallelUploadURLs)

	all, err = store.FindAllUploads(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.RemoveUpload(ctx, oldKey))
	require.NoError(t, store.RemoveUpload(ctx, oldKey), "removing twice is not an error")

	found, err = store.FindUploadsByFingerprint(ctx, "tus-aaa")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, newKey, found[0].StorageKey)

	none, err := store.FindUploadsByFingerprint(ctx, "tus-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// testStorageConcurrency adds and removes records from many goroutines and
// checks that nothing is lost.
func testStorageConcurrency(t *testing.T, store URLStorage) {
	ctx := context.Background()
	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			fp := fmt.Sprintf("tus-worker-%d", w)
			for i := 0; i < perWorker; i++ {
				key, err := store.AddUpload(ctx, fp, PreviousUpload{
					UploadURL:    fmt.Sprintf("https://tus.example.com/files/%d-%d", w, i),
					CreationTime: time.Now(),
				})
				if err != nil {
					errs <- err
					continue
				}
				// Every odd record is removed again.
				if i%2 == 1 {
					if err := store.RemoveUpload(ctx, key); err != nil {
						errs <- err
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.FindAllUploads(ctx)
	require.NoError(t, err)
	assert.Len(t, all, workers*((perWorker+1)/2))

	for w := 0; w < workers; w++ {
		found, err := store.FindUploadsByFingerprint(ctx, fmt.Sprintf("tus-worker-%d", w))
		require.NoError(t, err)
		assert.Len(t, found, (perWorker+1)/2)
	}
}

func TestMemory(t *testing.T) {
	testStorageContract(t, NewMemory())
}

func TestMemory_concurrency(t *testing.T) {
	testStorageConcurrency(t, NewMemory())
}

func TestMemory_returnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	meta := map[string]string{"filename": "a.txt"}
	_, err := store.AddUpload(ctx, "tus-aaa", PreviousUpload{Metadata: meta})
	require.NoError(t, err)
	meta["filename"] = "changed"

	found, err := store.FindUploadsByFingerprint(ctx, "tus-aaa")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a.txt", found[0].Metadata["filename"])
}
