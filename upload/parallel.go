package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-tus/fingerprint"
	"github.com/bitrise-io/go-tus/protocol"
	"github.com/bitrise-io/go-tus/source"
	"github.com/bitrise-io/go-tus/storage"
	"github.com/bitrise-io/go-tus/transport"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// partials is the bookkeeping of the partial uploads of a parallel upload.
type partials struct {
	mu      sync.Mutex
	urls    []string
	known   int
	offsets []int64
	resumed []string
}

func (u *Upload) runParallel(ctx context.Context) error {
	u.setState(StateResolving)
	fp := u.fingerprint()

	ranges := u.cfg.ParallelUploadBoundaries
	if len(ranges) == 0 {
		ranges = splitRanges(u.size, u.cfg.ParallelUploads)
	}

	resumeURLs, session, done, err := u.resolveParallel(ctx, fp, len(ranges))
	if err != nil {
		return err
	}
	if done {
		u.setSession(session)
		u.setState(StateFinalizing)
		u.forgetOnSuccess(ctx)
		return nil
	}

	parts := &partials{
		urls:    make([]string, len(ranges)),
		offsets: make([]int64, len(ranges)),
		resumed: resumeURLs,
	}
	children, err := u.newPartialUploads(ctx, fp, ranges, parts)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.children = children
	u.session = Session{Size: u.size, Fingerprint: fp, Metadata: u.cfg.Metadata.Clone()}
	u.mu.Unlock()

	u.setState(StateUploading)
	u.logger.Infof("Uploading %s in %d parts", units.HumanSizeWithPrecision(float64(u.size), 3), len(children))

	var failure error
	var failOnce sync.Once

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			err := child.Start(gctx)
			if err != nil && kindOf(err) != KindAborted {
				failOnce.Do(func() {
					failure = err
				})
				for _, sibling := range children {
					sibling.Abort()
				}
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if failure != nil {
			return failure
		}
		return err
	}

	return u.concatenate(ctx, fp, children)
}

// resolveParallel looks up a stored parallel upload with the same number of
// parts. A stored single upload the server reports complete needs no transfer.
func (u *Upload) resolveParallel(ctx context.Context, fp string, n int) ([]string, Session, bool, error) {
	if fp == "" || u.cfg.Storage == nil {
		return nil, Session{}, false, nil
	}

	previous, err := u.cfg.Storage.FindUploadsByFingerprint(ctx, fp)
	if err != nil {
		u.logger.Warnf("Failed to look up previous uploads: %s", err)
		return nil, Session{}, false, nil
	}

	for _, prev := range previous {
		switch {
		case len(prev.ParallelUploadURLs) == n:
			u.mu.Lock()
			u.storageKey = prev.StorageKey
			u.resumed = true
			u.mu.Unlock()
			u.logger.Infof("Resuming %d partial uploads", n)
			return prev.ParallelUploadURLs, Session{}, false, nil
		case prev.UploadURL != "" && len(prev.ParallelUploadURLs) == 0:
			session, err := u.probe(ctx, prev.UploadURL, fp)
			if err != nil {
				if errors.Is(err, errStale) {
					u.logger.Warnf("Removing stale upload %s: %s", prev.UploadURL, err)
					u.removeStored(ctx, prev.StorageKey)
					continue
				}
				return nil, Session{}, false, err
			}
			if session.Done() {
				u.mu.Lock()
				u.storageKey = prev.StorageKey
				u.mu.Unlock()
				return nil, session, true, nil
			}
		}
	}

	return nil, Session{}, false, nil
}

func (u *Upload) newPartialUploads(ctx context.Context, fp string, ranges []Boundary, parts *partials) ([]*Upload, error) {
	children := make([]*Upload, 0, len(ranges))

	for i, r := range ranges {
		i := i
		rng, err := source.NewRange(u.src, r.Start, r.End)
		if err != nil {
			return nil, newError(KindConfiguration, "split source", err)
		}

		cfg := u.cfg
		cfg.UploadURL = ""
		if i < len(parts.resumed) {
			cfg.UploadURL = parts.resumed[i]
		}
		cfg.ParallelUploads = 0
		cfg.ParallelUploadBoundaries = nil
		cfg.UploadSize = 0
		cfg.UploadLengthDeferred = false
		cfg.Metadata = u.cfg.MetadataForPartialUploads
		cfg.Storage = nil
		cfg.Fingerprint = fingerprint.Disabled
		cfg.StoreFingerprintForResuming = false
		cfg.RemoveFingerprintOnSuccess = false
		cfg.Tracker = nil
		cfg.OnProgress = nil
		cfg.OnSuccess = nil
		cfg.OnError = nil
		cfg.OnStateChange = nil
		cfg.OnUploadURLAvailable = func(uploadURL string) {
			u.partialURLAvailable(ctx, fp, parts, i, uploadURL)
		}
		cfg.OnChunkComplete = func(chunkSize, accepted, _ int64) {
			u.partialChunkComplete(parts, i, chunkSize, accepted)
		}

		child, err := newUpload(rng, cfg, true)
		if err != nil {
			return nil, err
		}
		child.stats = u.stats
		child.hungCheckInterval = u.hungCheckInterval
		child.onResolved = func(session Session) {
			u.partialResolved(parts, i, session.Offset)
		}
		children = append(children, child)
	}

	return children, nil
}

// partialURLAvailable stores the parallel upload once every part has a URL.
func (u *Upload) partialURLAvailable(ctx context.Context, fp string, parts *partials, i int, uploadURL string) {
	parts.mu.Lock()
	if parts.urls[i] == "" {
		parts.known++
	}
	parts.urls[i] = uploadURL
	complete := parts.known == len(parts.urls)
	urls := append([]string(nil), parts.urls...)
	parts.mu.Unlock()

	if !complete || fp == "" || !u.cfg.StoreFingerprintForResuming || equalURLs(urls, parts.resumed) {
		return
	}
	u.replaceStored(ctx, fp, storage.PreviousUpload{ParallelUploadURLs: urls})
}

// partialResolved counts the bytes a resumed partial upload already holds.
func (u *Upload) partialResolved(parts *partials, i int, offset int64) {
	if offset == 0 {
		return
	}

	parts.mu.Lock()
	defer parts.mu.Unlock()

	total := u.setPartialOffset(parts, i, offset)
	if u.cfg.OnProgress != nil {
		u.cfg.OnProgress(total, u.size)
	}
}

func (u *Upload) partialChunkComplete(parts *partials, i int, chunkSize, accepted int64) {
	parts.mu.Lock()
	defer parts.mu.Unlock()

	total := u.setPartialOffset(parts, i, accepted)
	if u.cfg.OnChunkComplete != nil {
		u.cfg.OnChunkComplete(chunkSize, total, u.size)
	}
	if u.cfg.OnProgress != nil {
		u.cfg.OnProgress(total, u.size)
	}
}

// setPartialOffset records the offset of partial i and returns the aggregate
// offset. parts.mu must be held.
func (u *Upload) setPartialOffset(parts *partials, i int, offset int64) int64 {
	parts.offsets[i] = offset
	var total int64
	for _, o := range parts.offsets {
		total += o
	}

	u.mu.Lock()
	u.session.Offset = total
	u.mu.Unlock()
	return total
}

// concatenate creates the final upload from the completed partial uploads.
func (u *Upload) concatenate(ctx context.Context, fp string, children []*Upload) error {
	u.setState(StateFinalizing)

	urls := make([]string, len(children))
	for i, child := range children {
		urls[i] = child.URL()
	}

	p := u.cfg.Protocol
	metadata := u.cfg.Metadata
	req, resp, err := u.do(ctx, exchange{
		op:     "concatenate",
		method: http.MethodPost,
		url:    u.cfg.Endpoint,
		prepare: func(req transport.Request, _ int) (io.ReadSeeker, int64, error) {
			req.SetHeader(p.ConcatHeader, protocol.ConcatFinal(urls))
			if metadata.Len() > 0 {
				req.SetHeader(p.MetadataHeader, protocol.EncodeMetadata(metadata))
			}
			return nil, 0, nil
		},
	})
	if err != nil {
		return err
	}

	finalURL, err := location("concatenate", req, resp)
	if err != nil {
		return err
	}

	u.setSession(Session{URL: finalURL, Offset: u.size, Size: u.size, Fingerprint: fp, Metadata: metadata.Clone()})
	u.logger.Infof("Concatenated %d partial uploads into %s", len(urls), finalURL)
	if u.cfg.OnUploadURLAvailable != nil {
		u.cfg.OnUploadURLAvailable(finalURL)
	}

	if u.cfg.RemoveFingerprintOnSuccess {
		u.forgetOnSuccess(ctx)
	} else if fp != "" && u.cfg.StoreFingerprintForResuming {
		u.replaceStored(ctx, fp, storage.PreviousUpload{UploadURL: finalURL})
	}
	return nil
}

func equalURLs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
