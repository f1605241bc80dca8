package upload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-tus/transport"
)

// Kind classifies upload errors. A Kind is an error itself, so
// errors.Is(err, KindOffsetMismatch) reports whether err is of that kind.
type Kind string

const (
	// KindConfiguration is an invalid option combination, detected before any request.
	KindConfiguration Kind = "configuration error"
	// KindUnsupportedInput means no source could be built for the input or the source failed.
	KindUnsupportedInput Kind = "unsupported input"
	// KindNetwork is a transport level failure.
	KindNetwork Kind = "network error"
	// KindHTTP is an unexpected response status.
	KindHTTP Kind = "http error"
	// KindChecksumMismatch is a chunk the server rejected because of its checksum.
	KindChecksumMismatch Kind = "checksum mismatch"
	// KindOffsetMismatch is a server offset that does not match the bytes sent.
	KindOffsetMismatch Kind = "offset mismatch"
	// KindProtocol is a response violating the protocol, like a missing header.
	KindProtocol Kind = "protocol error"
	// KindAborted is a user initiated stop.
	KindAborted Kind = "aborted"
)

func (k Kind) Error() string {
	return string(k)
}

// ErrAborted is matched by the error Start returns when the upload was aborted.
var ErrAborted error = KindAborted

// Error describes a failed upload operation.
type Error struct {
	Kind Kind
	// Op names the failed operation, like "create" or "upload chunk".
	Op       string
	Request  transport.Request
	Response transport.Response
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Request != nil {
		fmt.Fprintf(&b, " (request %s %s", e.Request.Method(), e.Request.URL())
		if e.Response != nil {
			fmt.Fprintf(&b, ", response status %d", e.Response.StatusCode())
			if body := strings.TrimSpace(e.Response.Body()); body != "" {
				fmt.Fprintf(&b, ", body %q", body)
			}
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// StatusCode returns the response status, or 0 when there was no response.
func (e *Error) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode()
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func configError(format string, args ...interface{}) *Error {
	return newError(KindConfiguration, "configure", fmt.Errorf(format, args...))
}

// kindOf returns the Kind of err, or "" when err is not an *Error.
func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
