package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStack_Send(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	var gotLength int64
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotLength = r.ContentLength
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = b

		w.Header().Set("Upload-Offset", "5")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer svr.Close()

	stack := NewHTTPStack(log.NewLogger())
	stack.DumpRequests = true

	req, err := stack.CreateRequest(http.MethodPatch, svr.URL+"/files/abc")
	require.NoError(t, err)
	req.SetHeader("Upload-Offset", "0")
	assert.Equal(t, "0", req.Header("Upload-Offset"))

	var progress []int64
	req.SetProgressHandler(func(sent int64) {
		progress = append(progress, sent)
	})

	resp, err := req.Send(context.Background(), bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode())
	assert.Equal(t, "5", resp.Header("Upload-Offset"))
	assert.Equal(t, "hello", string(gotBody))
	assert.Equal(t, int64(5), gotLength)
	assert.Equal(t, "0", gotHeader.Get("Upload-Offset"))
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(5), progress[len(progress)-1])
}

func TestHTTPStack_Send_noBody(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Upload-Offset", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer svr.Close()

	stack := NewHTTPStack(log.NewLogger())
	req, err := stack.CreateRequest(http.MethodHead, svr.URL)
	require.NoError(t, err)

	resp, err := req.Send(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Header("Upload-Offset"))
}

func TestHTTPStack_Send_errorStatusIsNotAnError(t *testing.T) {
	calls := 0
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer svr.Close()

	stack := NewHTTPStack(log.NewLogger())
	req, err := stack.CreateRequest(http.MethodPost, svr.URL)
	require.NoError(t, err)

	resp, err := req.Send(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.Equal(t, "boom", resp.Body())
	assert.Equal(t, 1, calls, "the stack must not retry on its own")
}

func TestHTTPStack_Abort(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer svr.Close()
	defer close(release)

	stack := NewHTTPStack(log.NewLogger())
	req, err := stack.CreateRequest(http.MethodPatch, svr.URL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		_, sendErr = req.Send(context.Background(), bytes.NewReader([]byte("data")), 4)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
	req.Abort()
	wg.Wait()

	require.Error(t, sendErr)
	assert.True(t, errors.Is(sendErr, ErrAborted))

	_, err = req.Send(context.Background(), nil, 0)
	assert.True(t, errors.Is(err, ErrAborted))
}

func TestHTTPStack_Send_networkError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := svr.URL
	svr.Close()

	stack := NewHTTPStack(log.NewLogger())
	req, err := stack.CreateRequest(http.MethodPost, url)
	require.NoError(t, err)

	_, err = req.Send(context.Background(), nil, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAborted))
}

func TestHTTPStack_CreateRequest_invalid(t *testing.T) {
	stack := NewHTTPStack(log.NewLogger())

	_, err := stack.CreateRequest("", "http://localhost")
	assert.Error(t, err)

	_, err = stack.CreateRequest(http.MethodPost, "")
	assert.Error(t, err)
}

func TestProgressReader_seekResetsCount(t *testing.T) {
	var last int64
	p := &progressReader{ReadSeeker: bytes.NewReader([]byte("abcdef")), onProgress: func(n int64) { last = n }}

	buf := make([]byte, 4)
	_, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	_, err = p.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = p.Read(buf[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}
