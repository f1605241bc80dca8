package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// maxResponseBodySize limits how much of a response body is kept for diagnostics.
const maxResponseBodySize = 64 * 1024

// HTTPStack sends requests with a retryablehttp client. Retrying is left to the
// upload engine, so the client is configured to make exactly one attempt.
type HTTPStack struct {
	client *retryablehttp.Client
	logger log.Logger

	// DumpRequests enables debug logging of request and response dumps.
	DumpRequests bool
}

// NewHTTPStack creates an HTTPStack using the go-utils retryable client.
func NewHTTPStack(logger log.Logger) *HTTPStack {
	return NewHTTPStackWithClient(retryhttp.NewClient(logger), logger)
}

// NewHTTPStackWithClient creates an HTTPStack around client. The client's retry
// settings are overridden.
func NewHTTPStackWithClient(client *retryablehttp.Client, logger log.Logger) *HTTPStack {
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPStack{
		client: client,
		logger: logger,
	}
}

// CreateRequest creates a request for method and url.
func (s *HTTPStack) CreateRequest(method, url string) (Request, error) {
	if method == "" {
		return nil, fmt.Errorf("method must not be empty")
	}
	if url == "" {
		return nil, fmt.Errorf("url must not be empty")
	}
	return &httpRequest{
		stack:  s,
		method: method,
		url:    url,
		header: make(http.Header),
	}, nil
}

// CloseIdleConnections closes idle connections of the underlying client.
func (s *HTTPStack) CloseIdleConnections() {
	s.client.HTTPClient.CloseIdleConnections()
}

type httpRequest struct {
	stack      *HTTPStack
	method     string
	url        string
	header     http.Header
	onProgress func(int64)

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
	sent    bool
}

func (r *httpRequest) Method() string { return r.method }
func (r *httpRequest) URL() string    { return r.url }

func (r *httpRequest) SetHeader(key, value string) {
	r.header.Set(key, value)
}

func (r *httpRequest) Header(key string) string {
	return r.header.Get(key)
}

func (r *httpRequest) SetProgressHandler(fn func(int64)) {
	r.onProgress = fn
}

func (r *httpRequest) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *httpRequest) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *httpRequest) Send(ctx context.Context, body io.ReadSeeker, size int64) (Response, error) {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrAborted, r.method, r.url)
	}
	if r.sent {
		r.mu.Unlock()
		return nil, fmt.Errorf("request %s %s was already sent", r.method, r.url)
	}
	r.sent = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	var rawBody interface{}
	if body != nil && size > 0 {
		rawBody = &progressReader{ReadSeeker: body, onProgress: r.onProgress}
	}

	req, err := retryablehttp.NewRequest(r.method, r.url, rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header = r.header.Clone()

	// Add Content-Length manually because retryablehttp can't derive it from a ReadSeeker
	req.ContentLength = size
	if size > 0 {
		req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	}

	if r.stack.DumpRequests {
		dump, err := httputil.DumpRequest(req.Request, false)
		if err != nil {
			r.stack.logger.Warnf("error while dumping request: %s", err)
		}
		r.stack.logger.Debugf("Request dump: %s", string(dump))
	}

	resp, err := r.stack.client.Do(req)
	if err != nil {
		if r.isAborted() {
			return nil, fmt.Errorf("%w: %s %s: %s", ErrAborted, r.method, r.url, err)
		}
		return nil, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			r.stack.logger.Printf(err.Error())
		}
	}(resp.Body)

	if r.stack.DumpRequests {
		dump, err := httputil.DumpResponse(resp, false)
		if err != nil {
			r.stack.logger.Warnf("error while dumping response: %s", err)
		}
		r.stack.logger.Debugf("Response dump: %s", string(dump))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		if r.isAborted() {
			return nil, fmt.Errorf("%w: %s %s: %s", ErrAborted, r.method, r.url, err)
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &httpResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       string(respBody),
	}, nil
}

type httpResponse struct {
	statusCode int
	header     http.Header
	body       string
}

func (r *httpResponse) StatusCode() int          { return r.statusCode }
func (r *httpResponse) Header(key string) string { return r.header.Get(key) }
func (r *httpResponse) Body() string             { return r.body }

// progressReader reports the number of bytes read. Seeking resets the count, so
// a rewound body reports from its new position.
type progressReader struct {
	io.ReadSeeker
	read       int64
	onProgress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.ReadSeeker.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.read)
		}
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.ReadSeeker.Seek(offset, whence)
	if err == nil {
		p.read = pos
	}
	return pos, err
}
