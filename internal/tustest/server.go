// Package tustest provides an in-memory tus server for tests.
package tustest

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-tus/checksum"
	"github.com/google/uuid"
)

const basePath = "/files/"

// Upload is the server side state of one upload.
type Upload struct {
	ID       string
	Length   int64
	Deferred bool
	Data     []byte
	Metadata string
	Partial  bool
	Final    bool
}

// Offset is the number of bytes received.
func (u Upload) Offset() int64 {
	return int64(len(u.Data))
}

// Request is a recorded request.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Hook may answer a request in place of the server by writing a response and
// returning true.
type Hook func(w http.ResponseWriter, r *http.Request, body []byte) bool

// Server is an httptest server speaking tus 1.0 with the creation,
// creation-defer-length, checksum, concatenation and termination extensions.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	uploads  map[string]*Upload
	requests []Request
	hooks    []Hook
}

// NewServer starts a Server. Call Close when done.
func NewServer() *Server {
	s := &Server{uploads: map[string]*Upload{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint is the creation URL.
func (s *Server) Endpoint() string {
	return s.URL + basePath
}

// AddHook registers a hook. Hooks run in registration order.
func (s *Server) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Requests returns the recorded requests in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsByMethod returns the recorded requests with the given method.
func (s *Server) RequestsByMethod(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Upload returns a copy of the upload behind an upload URL.
func (s *Server) Upload(uploadURL string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[idFromURL(uploadURL)]
	if !ok {
		return Upload{}, false
	}
	c := *u
	c.Data = append([]byte(nil), u.Data...)
	return c, true
}

// Seed creates an upload of length bytes which already received data and
// returns its URL.
func (s *Server) Seed(length int64, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &Upload{ID: uuid.NewString(), Length: length, Data: append([]byte(nil), data...)}
	s.uploads[u.ID] = u
	return s.URL + basePath + u.ID
}

// SeedPartial is Seed for a partial upload that can be concatenated.
func (s *Server) SeedPartial(length int64, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &Upload{ID: uuid.NewString(), Length: length, Data: append([]byte(nil), data...), Partial: true}
	s.uploads[u.ID] = u
	return s.URL + basePath + u.ID
}

// Remove deletes an upload as if it expired.
func (s *Server) Remove(uploadURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, idFromURL(uploadURL))
}

func idFromURL(uploadURL string) string {
	if u, err := url.Parse(uploadURL); err == nil {
		uploadURL = u.Path
	}
	return strings.TrimPrefix(uploadURL, basePath)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	for _, h := range hooks {
		if h(w, r, body) {
			return
		}
	}

	w.Header().Set("Tus-Resumable", "1.0.0")
	if r.Header.Get("Tus-Resumable") != "1.0.0" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	method := effectiveMethod(r)
	switch {
	case method == http.MethodPost && r.URL.Path == basePath:
		s.create(w, r)
	case method == http.MethodHead:
		s.head(w, r)
	case method == http.MethodPatch:
		s.patch(w, r, body)
	case method == http.MethodDelete:
		s.terminate(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &Upload{ID: uuid.NewString(), Metadata: r.Header.Get("Upload-Metadata")}

	concat := r.Header.Get("Upload-Concat")
	switch {
	case strings.HasPrefix(concat, "final;"):
		u.Final = true
		for _, partURL := range strings.Fields(strings.TrimPrefix(concat, "final;")) {
			part, ok := s.uploads[idFromURL(partURL)]
			if !ok || !part.Partial || part.Deferred || part.Offset() != part.Length {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			u.Data = append(u.Data, part.Data...)
		}
		u.Length = int64(len(u.Data))
	default:
		u.Partial = concat == "partial"
		if r.Header.Get("Upload-Defer-Length") == "1" {
			u.Deferred = true
			u.Length = -1
		} else {
			length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
			if err != nil || length < 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			u.Length = length
		}
	}

	s.uploads[u.ID] = u
	w.Header().Set("Location", basePath+u.ID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) head(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[idFromURL(r.URL.Path)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset(), 10))
	if u.Deferred {
		w.Header().Set("Upload-Defer-Length", "1")
	} else {
		w.Header().Set("Upload-Length", strconv.FormatInt(u.Length, 10))
	}
	if u.Metadata != "" {
		w.Header().Set("Upload-Metadata", u.Metadata)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[idFromURL(r.URL.Path)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if u.Final {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if offset != u.Offset() {
		w.WriteHeader(http.StatusConflict)
		return
	}

	if header := r.Header.Get("Upload-Checksum"); header != "" && !verifyChecksum(header, body) {
		w.WriteHeader(460)
		return
	}

	length := u.Length
	if h := r.Header.Get("Upload-Length"); h != "" {
		if !u.Deferred {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		length, err = strconv.ParseInt(h, 10, 64)
		if err != nil || length < offset+int64(len(body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if length >= 0 && offset+int64(len(body)) > length {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if u.Deferred && r.Header.Get("Upload-Length") != "" {
		u.Deferred = false
		u.Length = length
	}
	u.Data = append(u.Data, body...)

	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset(), 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idFromURL(r.URL.Path)
	if _, ok := s.uploads[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(s.uploads, id)
	w.WriteHeader(http.StatusNoContent)
}

func verifyChecksum(header string, body []byte) bool {
	algorithm, encoded, ok := strings.Cut(header, " ")
	if !ok {
		return false
	}
	digest, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	sum, err := checksum.Default().Sum(algorithm, bytes.NewReader(body))
	if err != nil {
		return false
	}
	return sum == hex.EncodeToString(digest)
}
