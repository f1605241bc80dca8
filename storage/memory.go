package storage

import (
	"context"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Memory keeps records for the lifetime of the process.
type Memory struct {
	mu      sync.Mutex
	uploads *orderedmap.OrderedMap[string, PreviousUpload]
}

// NewMemory creates an empty Memory storage.
func NewMemory() *Memory {
	return &Memory{uploads: orderedmap.New[string, PreviousUpload]()}
}

func (m *Memory) FindAllUploads(ctx context.Context) ([]PreviousUpload, error) {
	return m.find(func(PreviousUpload) bool { return true }), nil
}

func (m *Memory) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]PreviousUpload, error) {
	return m.find(func(u PreviousUpload) bool { return u.Fingerprint == fingerprint }), nil
}

func (m *Memory) AddUpload(ctx context.Context, fingerprint string, upload PreviousUpload) (string, error) {
	key := newKey(fingerprint)
	upload = cloneUpload(upload)
	upload.Fingerprint = fingerprint
	upload.StorageKey = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads.Set(key, upload)

	return key, nil
}

func (m *Memory) RemoveUpload(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads.Delete(key)

	return nil
}

func (m *Memory) find(match func(PreviousUpload) bool) []PreviousUpload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []PreviousUpload
	for pair := m.uploads.Oldest(); pair != nil; pair = pair.Next() {
		if !match(pair.Value) {
			continue
		}
		u := cloneUpload(pair.Value)
		u.StorageKey = pair.Key
		found = append(found, u)
	}
	sortNewestFirst(found)

	return found
}
