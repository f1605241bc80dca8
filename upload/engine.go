// Package upload implements the client side of a resumable upload: creating or
// resuming the remote upload, sending the data in chunks, retrying failed
// exchanges and optionally splitting the data into concurrently uploaded parts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bitrise-io/go-tus/protocol"
	"github.com/bitrise-io/go-tus/source"
	"github.com/bitrise-io/go-tus/storage"
	"github.com/bitrise-io/go-tus/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var errStale = errors.New("upload can not be resumed")

// Upload transfers one source. It is started once with Start and may be
// aborted from any goroutine.
type Upload struct {
	cfg     Config
	src     source.FileSource
	logger  log.Logger
	stats   *Stats
	tracker uploadTracker
	partial bool

	// size is the upload length, -1 when deferred.
	size int64
	// dataSize is the amount of data the source provides, -1 when unknown.
	dataSize  int64
	deferred  bool
	chunkSize int64

	hungCheckInterval time.Duration
	// onResolved receives the session a partial upload resolved or created.
	onResolved func(Session)

	mu         sync.Mutex
	state      State
	session    Session
	inflight   transport.Request
	cancel     context.CancelFunc
	children   []*Upload
	started    bool
	aborted    bool
	resumed    bool
	storageKey string
	startTime  time.Time

	closeOnce sync.Once
}

// New creates an upload of src. Invalid configuration is reported here, before
// any request is sent.
func New(src source.FileSource, cfg Config) (*Upload, error) {
	if src == nil {
		return nil, newError(KindUnsupportedInput, "open source", fmt.Errorf("%w: nil source", source.ErrUnsupportedInput))
	}
	return newUpload(src, cfg, false)
}

// NewFromInput creates an upload of a file path, a byte slice, an *os.File or an
// io.Reader.
func NewFromInput(input interface{}, cfg Config) (*Upload, error) {
	src, err := source.Open(input)
	if err != nil {
		return nil, newError(KindUnsupportedInput, "open source", err)
	}

	u, err := New(src, cfg)
	if err != nil {
		if cerr := src.Close(); cerr != nil && cfg.Logger != nil {
			cfg.Logger.Warnf("Failed to close source: %s", cerr)
		}
		return nil, err
	}
	return u, nil
}

func newUpload(src source.FileSource, cfg Config, partial bool) (*Upload, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	dataSize, known := src.Size()
	if !known {
		dataSize = -1
	}
	size := dataSize
	if cfg.UploadSize > 0 {
		size = cfg.UploadSize
	}

	switch {
	case size < 0 && !cfg.UploadLengthDeferred:
		return nil, configError("the size of the source is unknown, set UploadSize or UploadLengthDeferred")
	case cfg.UploadLengthDeferred && cfg.Protocol.DeferLengthHeader == "":
		return nil, configError("protocol %s does not support deferred length", cfg.Protocol.Name)
	case cfg.parallel() && !known:
		return nil, configError("parallel uploads require a source with a known size")
	case cfg.parallel() && len(cfg.ParallelUploadBoundaries) > 0:
		if err := checkBoundaries(cfg.ParallelUploadBoundaries, size); err != nil {
			return nil, err
		}
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 && !known {
		chunkSize = DefaultStreamChunkSize
	}

	if cfg.UploadLengthDeferred {
		size = -1
	}

	return &Upload{
		cfg:               cfg,
		src:               src,
		logger:            cfg.Logger,
		stats:             NewStats(),
		tracker:           newUploadTracker(cfg.Tracker),
		partial:           partial,
		size:              size,
		dataSize:          dataSize,
		deferred:          cfg.UploadLengthDeferred,
		chunkSize:         chunkSize,
		hungCheckInterval: time.Second,
		state:             StateIdle,
		session:           Session{Size: size, DeferredLength: cfg.UploadLengthDeferred},
		startTime:         time.Now(),
	}, nil
}

// Start runs the upload until it completes, fails or is aborted. It returns nil
// on completion and an error matching ErrAborted when aborted. Cancelling ctx
// aborts the upload.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return configError("upload was already started")
	}
	u.started = true
	if u.aborted {
		u.mu.Unlock()
		return newError(KindAborted, "start", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.startTime = time.Now()
	u.mu.Unlock()
	defer cancel()

	var err error
	if u.cfg.parallel() {
		err = u.runParallel(ctx)
	} else {
		err = u.run(ctx)
	}
	return u.finish(ctx, err)
}

// Abort stops the upload: the request in flight is aborted, a pending retry is
// cancelled and the source is closed. Aborting is idempotent.
func (u *Upload) Abort() {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		return
	}
	u.aborted = true
	req, cancel, children := u.inflight, u.cancel, u.children
	u.mu.Unlock()

	u.setState(StateAborted)
	if req != nil {
		req.Abort()
	}
	if cancel != nil {
		cancel()
	}
	for _, child := range children {
		child.Abort()
	}
	u.closeSource()
}

// Terminate aborts the upload and deletes it on the server.
func (u *Upload) Terminate(ctx context.Context) error {
	u.Abort()

	u.mu.Lock()
	uploadURL, children, key := u.session.URL, u.children, u.storageKey
	u.mu.Unlock()

	var urls []string
	if uploadURL != "" {
		urls = append(urls, uploadURL)
	} else {
		for _, child := range children {
			if childURL := child.URL(); childURL != "" {
				urls = append(urls, childURL)
			}
		}
	}

	for _, uploadURL := range urls {
		if err := u.terminate(ctx, uploadURL); err != nil {
			return err
		}
	}
	u.removeStored(ctx, key)

	return nil
}

// Terminate deletes the upload at uploadURL.
func Terminate(ctx context.Context, uploadURL string, cfg Config) error {
	if uploadURL == "" {
		return configError("upload URL must not be empty")
	}
	cfg.UploadURL = uploadURL
	cfg.ParallelUploads = 0
	cfg.ParallelUploadBoundaries = nil
	cfg.UploadLengthDeferred = false
	cfg.UploadSize = 0

	u, err := New(source.NewBytes(nil), cfg)
	if err != nil {
		return err
	}
	defer u.closeSource()

	return u.terminate(ctx, uploadURL)
}

// FindPreviousUploads returns the stored uploads of src, newest first.
func FindPreviousUploads(ctx context.Context, src source.FileSource, cfg Config) ([]storage.PreviousUpload, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = DefaultConfig(cfg.Endpoint).Fingerprint
	}

	fp, err := cfg.Fingerprint(src, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("compute fingerprint: %w", err)
	}
	if fp == "" {
		return nil, nil
	}

	return cfg.Storage.FindUploadsByFingerprint(ctx, fp)
}

// State returns the current state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// URL returns the upload URL, or "" while it is not known.
func (u *Upload) URL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session.URL
}

// Offset returns the number of bytes confirmed by the server.
func (u *Upload) Offset() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session.Offset
}

// Session returns a copy of the current session.
func (u *Upload) Session() Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.session
	s.Metadata = s.Metadata.Clone()
	return s
}

func (u *Upload) setSession(s Session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.session = s
}

func (u *Upload) setState(to State) {
	u.mu.Lock()
	from := u.state
	if from == to || from.Terminal() {
		u.mu.Unlock()
		return
	}
	u.state = to
	u.mu.Unlock()

	u.logger.Debugf("Upload state: %s -> %s", from, to)
	if u.cfg.OnStateChange != nil {
		u.cfg.OnStateChange(from, to)
	}
}

func (u *Upload) isAborted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.aborted
}

func (u *Upload) elapsed() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Since(u.startTime)
}

func (u *Upload) closeSource() {
	u.closeOnce.Do(func() {
		if err := u.src.Close(); err != nil {
			u.logger.Warnf("Failed to close source: %s", err)
		}
	})
}

func (u *Upload) finish(ctx context.Context, err error) error {
	defer u.closeSource()
	if !u.partial {
		defer u.closeIdleConnections()
	}

	took := time.Since(u.startTime)
	session := u.Session()

	if u.isAborted() || (err != nil && (ctx.Err() != nil || kindOf(err) == KindAborted)) {
		u.mu.Lock()
		u.aborted = true
		u.mu.Unlock()
		u.setState(StateAborted)

		u.logger.Debugf("Upload aborted at offset %d", session.Offset)
		if kindOf(err) != KindAborted {
			err = &Error{Kind: KindAborted, Op: "upload", Err: err}
		}
		return err
	}

	if err == nil {
		u.setState(StateComplete)
		if !u.partial {
			u.logger.Donef("Upload complete: %s (%s in %s)", session.URL,
				units.HumanSizeWithPrecision(float64(session.Offset), 3), took.Round(time.Millisecond))
			u.tracker.logUploadCompleted(took, session.Offset, u.stats.Bytes(), u.stats.FinishedCount(), u.cfg.ParallelUploads, u.resumed)
		}
		if u.cfg.OnSuccess != nil {
			u.cfg.OnSuccess(session.URL)
		}
		return nil
	}

	u.setState(StateFailed)
	if u.partial {
		u.logger.Warnf("Partial upload failed: %s", err)
	} else {
		u.logger.Errorf("Upload failed: %s", err)
		u.tracker.logUploadFailed(took, session.Offset, kindOf(err))
	}
	if u.cfg.OnError != nil {
		u.cfg.OnError(err)
	}
	return err
}

func (u *Upload) closeIdleConnections() {
	if c, ok := u.cfg.Stack.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (u *Upload) run(ctx context.Context) error {
	u.setState(StateResolving)
	fp := u.fingerprint()

	session, found, err := u.resolve(ctx, fp)
	if err != nil {
		return err
	}
	if !found {
		u.setState(StateCreating)
		if session, err = u.create(ctx, fp); err != nil {
			return err
		}
	}
	u.setSession(session)
	if u.onResolved != nil {
		u.onResolved(session)
	}

	if err := u.transfer(ctx); err != nil {
		return err
	}

	u.setState(StateFinalizing)
	u.forgetOnSuccess(ctx)
	return nil
}

func (u *Upload) fingerprint() string {
	if u.partial {
		return ""
	}
	fp, err := u.cfg.Fingerprint(u.src, u.cfg.Endpoint)
	if err != nil {
		u.logger.Warnf("Failed to compute fingerprint, the upload can not be resumed later: %s", err)
		return ""
	}
	return fp
}

// resolve looks for an upload to continue: the configured upload URL first, then
// the stored uploads of the fingerprint. Stale stored uploads are removed.
func (u *Upload) resolve(ctx context.Context, fp string) (Session, bool, error) {
	if u.cfg.UploadURL != "" {
		session, err := u.probe(ctx, u.cfg.UploadURL, fp)
		switch {
		case err == nil:
			return session, true, nil
		case !errors.Is(err, errStale) || u.cfg.Endpoint == "":
			return Session{}, false, err
		}
		u.logger.Warnf("Upload %s can not be resumed, creating a new one: %s", u.cfg.UploadURL, err)
		return Session{}, false, nil
	}

	if fp == "" || u.cfg.Storage == nil {
		return Session{}, false, nil
	}

	previous, err := u.cfg.Storage.FindUploadsByFingerprint(ctx, fp)
	if err != nil {
		u.logger.Warnf("Failed to look up previous uploads: %s", err)
		return Session{}, false, nil
	}

	for _, prev := range previous {
		if prev.UploadURL == "" || len(prev.ParallelUploadURLs) > 0 {
			continue
		}
		session, err := u.probe(ctx, prev.UploadURL, fp)
		if err != nil {
			if errors.Is(err, errStale) {
				u.logger.Warnf("Removing stale upload %s: %s", prev.UploadURL, err)
				u.removeStored(ctx, prev.StorageKey)
				continue
			}
			return Session{}, false, err
		}

		u.mu.Lock()
		u.storageKey = prev.StorageKey
		u.mu.Unlock()
		return session, true, nil
	}

	return Session{}, false, nil
}

// probe asks the server for the state of uploadURL. Uploads the server does not
// know anymore, and uploads of another length, produce an error wrapping errStale.
func (u *Upload) probe(ctx context.Context, uploadURL, fp string) (Session, error) {
	p := u.cfg.Protocol

	req, resp, err := u.do(ctx, exchange{op: "resume", method: http.MethodHead, url: uploadURL})
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindHTTP && e.StatusCode() >= 400 && e.StatusCode() < 500 && !IsRetryable(err) {
			return Session{}, fmt.Errorf("%w: %w", errStale, err)
		}
		return Session{}, err
	}

	offset, err := protocol.ParseOffset(resp.Header(p.OffsetHeader))
	if err != nil {
		return Session{}, &Error{Kind: KindProtocol, Op: "resume", Request: req, Response: resp, Err: fmt.Errorf("%s header: %w", p.OffsetHeader, err)}
	}

	session := Session{
		URL:            uploadURL,
		Offset:         offset,
		Size:           u.size,
		DeferredLength: u.deferred,
		Fingerprint:    fp,
		Metadata:       u.cfg.Metadata.Clone(),
	}

	if value := resp.Header(p.LengthHeader); value != "" {
		length, err := protocol.ParseOffset(value)
		if err != nil {
			return Session{}, &Error{Kind: KindProtocol, Op: "resume", Request: req, Response: resp, Err: fmt.Errorf("%s header: %w", p.LengthHeader, err)}
		}
		switch {
		case session.DeferredLength:
			session = session.finalize(length)
		case length != session.Size:
			return Session{}, fmt.Errorf("%w: server reports length %d, upload size is %d", errStale, length, session.Size)
		}
	} else if p.DeferLengthHeader != "" && resp.Header(p.DeferLengthHeader) == protocol.DeferLengthValue {
		session.DeferredLength = true
		session.Size = -1
	} else {
		return Session{}, &Error{Kind: KindProtocol, Op: "resume", Request: req, Response: resp, Err: fmt.Errorf("missing %s header", p.LengthHeader)}
	}

	if session.Size >= 0 && offset > session.Size {
		return Session{}, fmt.Errorf("%w: server offset %d is beyond upload size %d", errStale, offset, session.Size)
	}

	u.mu.Lock()
	u.resumed = true
	u.mu.Unlock()

	u.logger.Infof("Resuming upload %s at offset %d", uploadURL, offset)
	u.tracker.logUploadResumed(offset, session.Size)
	if u.cfg.OnUploadURLAvailable != nil {
		u.cfg.OnUploadURLAvailable(uploadURL)
	}

	return session, nil
}

func (u *Upload) create(ctx context.Context, fp string) (Session, error) {
	p := u.cfg.Protocol
	metadata := u.cfg.Metadata

	req, resp, err := u.do(ctx, exchange{
		op:     "create",
		method: http.MethodPost,
		url:    u.cfg.Endpoint,
		prepare: func(req transport.Request, _ int) (io.ReadSeeker, int64, error) {
			if u.deferred {
				req.SetHeader(p.DeferLengthHeader, protocol.DeferLengthValue)
			} else {
				req.SetHeader(p.LengthHeader, protocol.FormatOffset(u.size))
			}
			if metadata.Len() > 0 {
				req.SetHeader(p.MetadataHeader, protocol.EncodeMetadata(metadata))
			}
			if u.partial {
				req.SetHeader(p.ConcatHeader, protocol.ConcatPartial)
			}
			return nil, 0, nil
		},
	})
	if err != nil {
		return Session{}, err
	}

	uploadURL, err := location("create", req, resp)
	if err != nil {
		return Session{}, err
	}

	if u.partial {
		u.logger.Debugf("Created partial upload %s", uploadURL)
	} else {
		u.logger.Infof("Created upload %s", uploadURL)
	}
	if u.cfg.OnUploadURLAvailable != nil {
		u.cfg.OnUploadURLAvailable(uploadURL)
	}
	if fp != "" && u.cfg.StoreFingerprintForResuming {
		u.replaceStored(ctx, fp, storage.PreviousUpload{UploadURL: uploadURL})
	}

	return Session{
		URL:            uploadURL,
		Size:           u.size,
		DeferredLength: u.deferred,
		Fingerprint:    fp,
		Metadata:       metadata.Clone(),
	}, nil
}

// location resolves the Location header of resp against the request URL.
func location(op string, req transport.Request, resp transport.Response) (string, error) {
	value := resp.Header("Location")
	if value == "" {
		return "", &Error{Kind: KindProtocol, Op: op, Request: req, Response: resp, Err: errors.New("missing Location header")}
	}

	base, err := url.Parse(req.URL())
	if err != nil {
		return "", &Error{Kind: KindProtocol, Op: op, Request: req, Response: resp, Err: fmt.Errorf("parse request URL: %w", err)}
	}
	ref, err := url.Parse(value)
	if err != nil {
		return "", &Error{Kind: KindProtocol, Op: op, Request: req, Response: resp, Err: fmt.Errorf("parse Location header: %w", err)}
	}

	return base.ResolveReference(ref).String(), nil
}

func (u *Upload) terminate(ctx context.Context, uploadURL string) error {
	_, _, err := u.do(ctx, exchange{op: "terminate", method: http.MethodDelete, url: uploadURL})
	if err != nil {
		return err
	}
	u.logger.Infof("Terminated upload %s", uploadURL)
	return nil
}

// replaceStored stores an upload record for fp, replacing the current one.
func (u *Upload) replaceStored(ctx context.Context, fp string, record storage.PreviousUpload) {
	if u.cfg.Storage == nil || fp == "" {
		return
	}

	u.mu.Lock()
	previousKey := u.storageKey
	u.mu.Unlock()
	u.removeStored(ctx, previousKey)

	record.Size = u.size
	record.Metadata = u.cfg.Metadata.Map()
	record.CreationTime = time.Now()

	key, err := u.cfg.Storage.AddUpload(ctx, fp, record)
	if err != nil {
		u.logger.Warnf("Failed to store upload for resuming: %s", err)
		key = ""
	}

	u.mu.Lock()
	u.storageKey = key
	u.mu.Unlock()
}

func (u *Upload) removeStored(ctx context.Context, key string) {
	if u.cfg.Storage == nil || key == "" {
		return
	}
	if err := u.cfg.Storage.RemoveUpload(ctx, key); err != nil {
		u.logger.Warnf("Failed to remove stored upload %s: %s", key, err)
	}
}

func (u *Upload) forgetOnSuccess(ctx context.Context) {
	if !u.cfg.RemoveFingerprintOnSuccess {
		return
	}

	u.mu.Lock()
	key := u.storageKey
	u.storageKey = ""
	u.mu.Unlock()

	u.removeStored(ctx, key)
}
