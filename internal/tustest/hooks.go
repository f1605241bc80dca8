package tustest

import (
	"net/http"
	"sync"
	"time"
)

// counter numbers the requests with a given method.
type counter struct {
	mu     sync.Mutex
	method string
	seen   int
}

// next returns the 1-based index of r among requests with the counter's method,
// or 0 when r has another method.
func (c *counter) next(r *http.Request) int {
	if c.method != "" && effectiveMethod(r) != c.method {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
	return c.seen
}

func effectiveMethod(r *http.Request) string {
	if override := r.Header.Get("X-HTTP-Method-Override"); r.Method == http.MethodPost && override != "" {
		return override
	}
	return r.Method
}

// FailTimes answers the first times requests with method using status.
func FailTimes(method string, times int, status int) Hook {
	c := &counter{method: method}
	return func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		n := c.next(r)
		if n == 0 || n > times {
			return false
		}
		w.WriteHeader(status)
		return true
	}
}

// FailNth answers only the nth request with method using status.
func FailNth(method string, nth int, status int) Hook {
	c := &counter{method: method}
	return func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if c.next(r) != nth {
			return false
		}
		w.WriteHeader(status)
		return true
	}
}

// RespondNth answers the nth request with method using respond.
func RespondNth(method string, nth int, respond func(w http.ResponseWriter)) Hook {
	c := &counter{method: method}
	return func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if c.next(r) != nth {
			return false
		}
		respond(w)
		return true
	}
}

// BlockNth holds the nth request with method until the client goes away or release
// is closed. entered is closed when the request arrives.
func BlockNth(method string, nth int, entered chan<- struct{}, release <-chan struct{}) Hook {
	c := &counter{method: method}
	return func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if c.next(r) != nth {
			return false
		}
		close(entered)
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
}

// DelayNth delays the nth request with method by d before the server handles it.
func DelayNth(method string, nth int, d time.Duration) Hook {
	c := &counter{method: method}
	return func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if c.next(r) != nth {
			return false
		}
		select {
		case <-r.Context().Done():
			return true
		case <-time.After(d):
			return false
		}
	}
}
