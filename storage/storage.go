// Package storage remembers upload URLs by fingerprint so an interrupted upload can
// be resumed by a later process.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PreviousUpload is a stored record of an upload that may be resumed.
type PreviousUpload struct {
	Fingerprint        string            `json:"fingerprint"`
	UploadURL          string            `json:"uploadUrl,omitempty"`
	ParallelUploadURLs []string          `json:"parallelUploadUrls,omitempty"`
	Size               int64             `json:"size"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreationTime       time.Time         `json:"creationTime"`

	// StorageKey identifies the record within its storage. It is filled by
	// the Find methods and is not persisted.
	StorageKey string `json:"-"`
}

// URLStorage persists PreviousUpload records. Implementations are safe for
// concurrent use.
type URLStorage interface {
	FindAllUploads(ctx context.Context) ([]PreviousUpload, error)
	FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]PreviousUpload, error)
	AddUpload(ctx context.Context, fingerprint string, upload PreviousUpload) (string, error)
	RemoveUpload(ctx context.Context, key string) error
}

const keyPrefix = "tus::"

func newKey(fingerprint string) string {
	return keyPrefix + fingerprint + "::" + uuid.NewString()
}

// sortNewestFirst orders records by creation time, most recent first. Records
// created at the same instant are ordered by key.
func sortNewestFirst(uploads []PreviousUpload) {
	sort.SliceStable(uploads, func(i, j int) bool {
		if !uploads[i].CreationTime.Equal(uploads[j].CreationTime) {
			return uploads[i].CreationTime.After(uploads[j].CreationTime)
		}
		return uploads[i].StorageKey < uploads[j].StorageKey
	})
}

func cloneUpload(u PreviousUpload) PreviousUpload {
	if u.ParallelUploadURLs != nil {
		u.ParallelUploadURLs = append([]string(nil), u.ParallelUploadURLs...)
	}
	if u.Metadata != nil {
		m := make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			m[k] = v
		}
		u.Metadata = m
	}
	return u
}
