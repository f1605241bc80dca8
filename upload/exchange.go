package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-tus/transport"
	"github.com/google/uuid"
)

// exchange is one logical request of the protocol, sent once per attempt.
type exchange struct {
	op     string
	method string
	url    string
	// chunk marks data transfers: hung detection and checksum errors apply.
	chunk bool
	// prepare sets the exchange specific headers and returns the body.
	prepare  func(req transport.Request, attempt int) (io.ReadSeeker, int64, error)
	progress func(bytesSent int64)
}

// do sends ex until it succeeds, fails with an error the retry policy gives up
// on, or the upload is aborted.
func (u *Upload) do(ctx context.Context, ex exchange) (transport.Request, transport.Response, error) {
	var retry RetryState
	for {
		req, resp, err := u.attempt(ctx, ex, retry.Attempt)
		if err == nil {
			return req, resp, nil
		}
		if ctx.Err() != nil || kindOf(err) == KindAborted {
			return req, resp, abortError(ex.op, req, err)
		}
		if !retryableKind(err) {
			return req, resp, err
		}

		delay, ok := u.cfg.RetryPolicy.Decide(err, retry.Attempt, u.elapsed())
		if !ok {
			if retry.Attempt > 0 {
				u.logger.Warnf("Giving up %s after %d retries", ex.op, retry.Attempt)
			}
			return req, resp, err
		}
		retry.Attempt++
		retry.LastError = err
		u.logger.Warnf("Failed to %s (attempt %d), retrying in %s: %s", ex.op, retry.Attempt, delay, err)

		previous := u.State()
		u.setState(StateRetryWait)
		if err := wait(ctx, delay); err != nil {
			return req, resp, abortError(ex.op, req, retry.LastError)
		}
		u.setState(previous)
	}
}

func (u *Upload) attempt(ctx context.Context, ex exchange, attempt int) (transport.Request, transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, abortError(ex.op, nil, err)
	}

	p := u.cfg.Protocol
	method := ex.method
	if method == http.MethodPatch && u.cfg.OverridePatchMethod {
		method = http.MethodPost
	}

	req, err := u.cfg.Stack.CreateRequest(method, ex.url)
	if err != nil {
		return nil, nil, newError(KindConfiguration, ex.op, err)
	}
	if method != ex.method {
		req.SetHeader("X-HTTP-Method-Override", ex.method)
	}
	if p.VersionHeader != "" {
		req.SetHeader(p.VersionHeader, p.Version)
	}
	for key, value := range u.cfg.Headers {
		req.SetHeader(key, value)
	}
	if u.cfg.AddRequestID {
		req.SetHeader("X-Request-ID", uuid.NewString())
	}

	var body io.ReadSeeker
	var size int64
	if ex.prepare != nil {
		if body, size, err = ex.prepare(req, attempt); err != nil {
			return req, nil, err
		}
	}
	if ex.progress != nil {
		req.SetProgressHandler(ex.progress)
	}

	if u.cfg.OnBeforeRequest != nil {
		if err := u.cfg.OnBeforeRequest(req); err != nil {
			return req, nil, &Error{Kind: KindNetwork, Op: ex.op, Request: req, Err: fmt.Errorf("before request: %w", err)}
		}
	}

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	var hung atomic.Bool
	if ex.chunk && u.cfg.HungThreshold > 0 && !u.lastAttempt(attempt) {
		detector := hungDetector{stats: u.stats, threshold: u.cfg.HungThreshold, interval: u.hungCheckInterval}
		go detector.watch(sendCtx, time.Now(), func(elapsed, avg time.Duration) {
			u.logger.Warnf("Chunk transfer hung, cancelling it after %s (average %s)", elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
			hung.Store(true)
			req.Abort()
			cancelSend()
		})
	}

	u.setInflight(req)
	start := time.Now()
	resp, err := req.Send(sendCtx, body, size)
	u.setInflight(nil)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return req, nil, &Error{Kind: KindAborted, Op: ex.op, Request: req, Err: err}
		case hung.Load():
			return req, nil, &Error{Kind: KindNetwork, Op: ex.op, Request: req, Err: fmt.Errorf("chunk transfer hung: %w", err)}
		case errors.Is(err, transport.ErrAborted):
			return req, nil, &Error{Kind: KindAborted, Op: ex.op, Request: req, Err: err}
		default:
			return req, nil, &Error{Kind: KindNetwork, Op: ex.op, Request: req, Err: err}
		}
	}

	if u.cfg.OnAfterResponse != nil {
		if err := u.cfg.OnAfterResponse(req, resp); err != nil {
			return req, resp, &Error{Kind: KindNetwork, Op: ex.op, Request: req, Response: resp, Err: fmt.Errorf("after response: %w", err)}
		}
	}

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		kind := KindHTTP
		if ex.chunk && status == p.ChecksumMismatchStatus && req.Header(p.ChecksumHeader) != "" {
			kind = KindChecksumMismatch
		}
		return req, resp, &Error{Kind: kind, Op: ex.op, Request: req, Response: resp, Err: fmt.Errorf("unexpected response status %d", status)}
	}

	if ex.chunk {
		u.stats.Update(time.Since(start), size)
	}
	return req, resp, nil
}

// lastAttempt reports whether the policy would give up after attempt. A hung
// final attempt is left running.
func (u *Upload) lastAttempt(attempt int) bool {
	_, retry := u.cfg.RetryPolicy.Decide(newError(KindNetwork, "upload chunk", errors.New("chunk transfer hung")), attempt, u.elapsed())
	return !retry
}

func (u *Upload) setInflight(req transport.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inflight = req
}

func abortError(op string, req transport.Request, err error) error {
	if kindOf(err) == KindAborted {
		return err
	}
	return &Error{Kind: KindAborted, Op: op, Request: req, Err: err}
}

// wait sleeps for d unless ctx is done first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
