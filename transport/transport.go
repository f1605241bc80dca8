// Package transport defines the HTTP exchange contract used by the upload engine and
// provides an implementation on top of retryablehttp.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrAborted is wrapped by the error Send returns after Abort was called.
var ErrAborted = errors.New("request aborted")

// Stack creates requests.
type Stack interface {
	CreateRequest(method, url string) (Request, error)
}

// Request is a single HTTP exchange. A Request is sent at most once.
type Request interface {
	Method() string
	URL() string

	SetHeader(key, value string)
	Header(key string) string

	// SetProgressHandler registers a callback receiving the number of body bytes
	// sent so far.
	SetProgressHandler(fn func(bytesSent int64))

	// Send performs the exchange. body may be nil.
	Send(ctx context.Context, body io.ReadSeeker, size int64) (Response, error)

	// Abort makes a pending or future Send fail with an error wrapping ErrAborted.
	Abort()
}

// Response is the outcome of a Request.
type Response interface {
	StatusCode() int
	Header(key string) string
	Body() string
}
