package upload

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-tus/internal/tustest"
	"github.com/bitrise-io/go-tus/protocol"
	"github.com/bitrise-io/go-tus/source"
	"github.com/bitrise-io/go-tus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concatRequests(server *tustest.Server) (partial, final []tustest.Request) {
	for _, r := range server.RequestsByMethod(http.MethodPost) {
		switch concat := r.Header.Get("Upload-Concat"); {
		case concat == protocol.ConcatPartial:
			partial = append(partial, r)
		case strings.HasPrefix(concat, "final;"):
			final = append(final, r)
		}
	}
	return partial, final
}

func finalURLs(r tustest.Request) []string {
	return strings.Fields(strings.TrimPrefix(r.Header.Get("Upload-Concat"), "final;"))
}

func TestUpload_parallel(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	data := testData(100)
	cfg := testConfig(server)
	cfg.ParallelUploads = 3
	cfg.Metadata = protocol.NewMetadata("filename", "data.bin")
	cfg.MetadataForPartialUploads = protocol.NewMetadata("part", "yes")

	var mu sync.Mutex
	var accepted []int64
	cfg.OnChunkComplete = func(_, bytesAccepted, bytesTotal int64) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, int64(100), bytesTotal)
		accepted = append(accepted, bytesAccepted)
	}

	u, err := New(source.NewBytes(data), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))

	partial, final := concatRequests(server)
	require.Len(t, partial, 3)
	require.Len(t, final, 1)

	var lengths []string
	for _, r := range partial {
		lengths = append(lengths, r.Header.Get("Upload-Length"))
		assert.Equal(t, protocol.EncodeMetadata(cfg.MetadataForPartialUploads), r.Header.Get("Upload-Metadata"))
	}
	assert.ElementsMatch(t, []string{"34", "33", "33"}, lengths)
	assert.Equal(t, protocol.EncodeMetadata(cfg.Metadata), final[0].Header.Get("Upload-Metadata"))

	ranges := splitRanges(100, 3)
	urls := finalURLs(final[0])
	require.Len(t, urls, 3)
	for i, partURL := range urls {
		part, ok := server.Upload(partURL)
		require.True(t, ok)
		assert.True(t, part.Partial)
		assert.Equal(t, data[ranges[i].Start:ranges[i].End], part.Data)
	}

	uploaded, ok := server.Upload(u.URL())
	require.True(t, ok)
	assert.True(t, uploaded.Final)
	assert.Equal(t, data, uploaded.Data)

	assert.Len(t, accepted, 3)
	assert.Contains(t, accepted, int64(100))
	assert.Equal(t, int64(100), u.Offset())
	assert.Equal(t, StateComplete, u.State())
}

func TestUpload_parallelBoundaries(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	data := testData(100)
	cfg := testConfig(server)
	cfg.ParallelUploads = 2
	cfg.ParallelUploadBoundaries = []Boundary{{Start: 0, End: 10}, {Start: 10, End: 100}}

	u, err := New(source.NewBytes(data), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))

	_, final := concatRequests(server)
	require.Len(t, final, 1)
	urls := finalURLs(final[0])
	require.Len(t, urls, 2)

	first, ok := server.Upload(urls[0])
	require.True(t, ok)
	assert.Equal(t, data[:10], first.Data)
	second, ok := server.Upload(urls[1])
	require.True(t, ok)
	assert.Equal(t, data[10:], second.Data)
}

func TestUpload_parallelFailure(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()
	server.AddHook(tustest.FailNth(http.MethodPatch, 1, http.StatusForbidden))

	cfg := testConfig(server)
	cfg.ParallelUploads = 3
	cfg.ChunkSize = 10
	var reported []error
	cfg.OnError = func(err error) {
		reported = append(reported, err)
	}

	u, err := New(source.NewBytes(testData(300)), cfg)
	require.NoError(t, err)

	err = u.Start(context.Background())
	require.ErrorIs(t, err, KindHTTP)
	assert.NotErrorIs(t, err, ErrAborted)

	var uploadErr *Error
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, http.StatusForbidden, uploadErr.StatusCode())

	_, final := concatRequests(server)
	assert.Empty(t, final)
	assert.Equal(t, StateFailed, u.State())
	assert.Len(t, reported, 1)
}

func TestUpload_parallelAbort(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	server.AddHook(tustest.BlockNth(http.MethodPatch, 1, entered, release))

	cfg := testConfig(server)
	cfg.ParallelUploads = 2

	src := &closeCountingSource{FileSource: source.NewBytes(testData(100))}
	u, err := New(src, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- u.Start(context.Background())
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk was sent")
	}
	u.Abort()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Abort")
	}

	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StateAborted, u.State())
	assert.Equal(t, int32(1), src.closed.Load())
	_, final := concatRequests(server)
	assert.Empty(t, final)
}

func TestUpload_parallelResume(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	ctx := context.Background()
	data := testData(100)
	ranges := splitRanges(100, 2)

	firstURL := server.SeedPartial(ranges[0].End-ranges[0].Start, data[ranges[0].Start:20])
	secondURL := server.SeedPartial(ranges[1].End-ranges[1].Start, data[ranges[1].Start:ranges[1].End])

	urlStorage := storage.NewMemory()
	_, err := urlStorage.AddUpload(ctx, "fp-1", storage.PreviousUpload{
		ParallelUploadURLs: []string{firstURL, secondURL},
		Size:               100,
		CreationTime:       time.Now(),
	})
	require.NoError(t, err)

	cfg := testConfig(server)
	cfg.ParallelUploads = 2
	cfg.Storage = urlStorage
	cfg.Fingerprint = func(source.FileSource, string) (string, error) { return "fp-1", nil }

	u, err := New(source.NewBytes(data), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Start(ctx))

	partial, final := concatRequests(server)
	assert.Empty(t, partial)
	require.Len(t, final, 1)
	assert.Equal(t, []string{firstURL, secondURL}, finalURLs(final[0]))

	patches := server.RequestsByMethod(http.MethodPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, "20", patches[0].Header.Get("Upload-Offset"))

	uploaded, ok := server.Upload(u.URL())
	require.True(t, ok)
	assert.Equal(t, data, uploaded.Data)

	stored, err := urlStorage.FindUploadsByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, u.URL(), stored[0].UploadURL)
	assert.Empty(t, stored[0].ParallelUploadURLs)
}

func TestUpload_parallelResumeCountsCompletedParts(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	ctx := context.Background()
	data := testData(100)
	ranges := splitRanges(100, 2)

	firstURL := server.SeedPartial(ranges[0].End-ranges[0].Start, data[ranges[0].Start:20])
	secondURL := server.SeedPartial(ranges[1].End-ranges[1].Start, data[ranges[1].Start:ranges[1].End])

	urlStorage := storage.NewMemory()
	_, err := urlStorage.AddUpload(ctx, "fp-1", storage.PreviousUpload{
		ParallelUploadURLs: []string{firstURL, secondURL},
		Size:               100,
		CreationTime:       time.Now(),
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var accepted, progress []int64

	cfg := testConfig(server)
	cfg.ParallelUploads = 2
	cfg.Storage = urlStorage
	cfg.Fingerprint = func(source.FileSource, string) (string, error) { return "fp-1", nil }
	cfg.OnChunkComplete = func(_, bytesAccepted, _ int64) {
		mu.Lock()
		defer mu.Unlock()
		accepted = append(accepted, bytesAccepted)
	}
	cfg.OnProgress = func(bytesSent, _ int64) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, bytesSent)
	}

	u, err := New(source.NewBytes(data), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Start(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{100}, accepted)
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(100), progress[len(progress)-1])
	assert.GreaterOrEqual(t, progress[0], int64(20))
}

func TestUpload_parallelStoresPartialURLs(t *testing.T) {
	server := tustest.NewServer()
	defer server.Close()

	ctx := context.Background()
	urlStorage := storage.NewMemory()

	cfg := testConfig(server)
	cfg.ParallelUploads = 2
	cfg.Storage = urlStorage
	cfg.Fingerprint = func(source.FileSource, string) (string, error) { return "fp-1", nil }

	var partialURLs []string
	cfg.OnStateChange = func(_, to State) {
		if to != StateFinalizing {
			return
		}
		stored, err := urlStorage.FindUploadsByFingerprint(ctx, "fp-1")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		partialURLs = stored[0].ParallelUploadURLs
	}

	u, err := New(source.NewBytes(testData(50)), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Start(ctx))

	_, final := concatRequests(server)
	require.Len(t, final, 1)
	assert.Equal(t, finalURLs(final[0]), partialURLs)
}
