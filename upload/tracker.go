package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) uploadTracker {
	return uploadTracker{tracker: tracker}
}

func (t uploadTracker) logUploadCompleted(uploadTime time.Duration, size int64, transferred int64, chunkCount int64, parallelUploads int, resumed bool) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":          uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes":      size,
		"transferred_size_bytes": transferred,
		"chunk_count":            chunkCount,
		"parallel_uploads":       parallelUploads,
		"resumed":                resumed,
	}
	t.tracker.Enqueue("tus_upload_completed", properties)
}

func (t uploadTracker) logUploadFailed(uploadTime time.Duration, offset int64, kind Kind) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"offset_bytes":  offset,
		"error_kind":    string(kind),
	}
	t.tracker.Enqueue("tus_upload_failed", properties)
}

func (t uploadTracker) logUploadResumed(offset int64, size int64) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"offset_bytes":      offset,
		"upload_size_bytes": size,
	}
	t.tracker.Enqueue("tus_upload_resumed", properties)
}
