package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-tus/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/gofrs/flock"
)

const (
	fileMode      = 0600
	lockRetryWait = 10 * time.Millisecond
)

// File keeps records in a JSON document on disk. Every access holds an in-process
// mutex and a file lock on a sibling ".lock" file, so several processes can
// share one document.
type File struct {
	path    string
	lock    *flock.Flock
	osProxy internal.OsProxy
	logger  log.Logger

	mu sync.Mutex
}

type fileDocument struct {
	Uploads map[string]PreviousUpload `json:"uploads"`
}

// NewFile creates a File storage at path. A leading "~" is expanded and missing
// parent directories are created.
func NewFile(path string, logger log.Logger) (*File, error) {
	return newFile(path, internal.RealOS{}, logger)
}

func newFile(path string, osProxy internal.OsProxy, logger log.Logger) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("path must not be empty")
	}

	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path %s: %w", path, err)
	}

	if err := osProxy.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	return &File{
		path:    absPath,
		lock:    flock.New(absPath + ".lock"),
		osProxy: osProxy,
		logger:  logger,
	}, nil
}

// Path returns the absolute path of the document.
func (f *File) Path() string {
	return f.path
}

func (f *File) FindAllUploads(ctx context.Context) ([]PreviousUpload, error) {
	return f.find(ctx, func(PreviousUpload) bool { return true })
}

func (f *File) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]PreviousUpload, error) {
	return f.find(ctx, func(u PreviousUpload) bool { return u.Fingerprint == fingerprint })
}

func (f *File) AddUpload(ctx context.Context, fingerprint string, upload PreviousUpload) (string, error) {
	key := newKey(fingerprint)
	upload = cloneUpload(upload)
	upload.Fingerprint = fingerprint
	upload.StorageKey = ""

	err := f.update(ctx, func(doc *fileDocument) bool {
		doc.Uploads[key] = upload
		return true
	})
	if err != nil {
		return "", err
	}

	return key, nil
}

func (f *File) RemoveUpload(ctx context.Context, key string) error {
	return f.update(ctx, func(doc *fileDocument) bool {
		if _, ok := doc.Uploads[key]; !ok {
			return false
		}
		delete(doc.Uploads, key)
		return true
	})
}

func (f *File) find(ctx context.Context, match func(PreviousUpload) bool) ([]PreviousUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryRLockContext(ctx, lockRetryWait)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", f.lock.Path())
	}
	defer f.unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}

	var found []PreviousUpload
	for key, u := range doc.Uploads {
		if !match(u) {
			continue
		}
		u.StorageKey = key
		found = append(found, u)
	}
	sortNewestFirst(found)

	return found, nil
}

func (f *File) update(ctx context.Context, modify func(doc *fileDocument) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryWait)
	if err != nil {
		return fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", f.lock.Path())
	}
	defer f.unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}

	if !modify(doc) {
		return nil
	}

	return f.write(doc)
}

func (f *File) unlock() {
	if err := f.lock.Unlock(); err != nil {
		f.logger.Warnf("Failed to release lock %s: %s", f.lock.Path(), err)
	}
}

func (f *File) read() (*fileDocument, error) {
	doc := &fileDocument{Uploads: map[string]PreviousUpload{}}

	data, err := f.osProxy.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	if doc.Uploads == nil {
		doc.Uploads = map[string]PreviousUpload{}
	}

	return doc, nil
}

// write replaces the document atomically through a temporary file in the same
// directory.
func (f *File) write(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal uploads: %w", err)
	}

	tmp, err := f.osProxy.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		if err := f.osProxy.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warnf("Failed to remove %s: %s", tmpPath, err)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := f.osProxy.Chmod(tmpPath, fileMode); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := f.osProxy.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", f.path, err)
	}

	return nil
}
