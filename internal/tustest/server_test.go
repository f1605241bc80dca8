package tustest

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-tus/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(t *testing.T, method, url string, headers map[string]string, body []byte) transport.Response {
	req, err := transport.NewHTTPStack(log.NewLogger()).CreateRequest(method, url)
	require.NoError(t, err)
	req.SetHeader("Tus-Resumable", "1.0.0")
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Send(context.Background(), bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return resp
}

func TestServer_lifecycle(t *testing.T) {
	svr := NewServer()
	defer svr.Close()

	resp := send(t, http.MethodPost, svr.Endpoint(), map[string]string{"Upload-Length": "5"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode())
	uploadURL := svr.URL + resp.Header("Location")

	resp = send(t, http.MethodPatch, uploadURL, map[string]string{
		"Upload-Offset": "0",
		"Content-Type":  "application/offset+octet-stream",
	}, []byte("hel"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode())
	assert.Equal(t, "3", resp.Header("Upload-Offset"))

	resp = send(t, http.MethodPatch, uploadURL, map[string]string{
		"Upload-Offset": "0",
		"Content-Type":  "application/offset+octet-stream",
	}, []byte("lo"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode())

	resp = send(t, http.MethodHead, uploadURL, nil, nil)
	assert.Equal(t, "3", resp.Header("Upload-Offset"))
	assert.Equal(t, "5", resp.Header("Upload-Length"))

	resp = send(t, http.MethodDelete, uploadURL, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())

	_, ok := svr.Upload(uploadURL)
	assert.False(t, ok)
	assert.Len(t, svr.RequestsByMethod(http.MethodPatch), 2)
}

func TestServer_checksum(t *testing.T) {
	svr := NewServer()
	defer svr.Close()

	uploadURL := svr.Seed(5, nil)

	resp := send(t, http.MethodPatch, uploadURL, map[string]string{
		"Upload-Offset":   "0",
		"Content-Type":    "application/offset+octet-stream",
		"Upload-Checksum": "sha1 AAAAAAAAAAAAAAAAAAAAAAAAAAA=",
	}, []byte("hello"))
	assert.Equal(t, 460, resp.StatusCode())

	resp = send(t, http.MethodPatch, uploadURL, map[string]string{
		"Upload-Offset":   "0",
		"Content-Type":    "application/offset+octet-stream",
		"Upload-Checksum": "sha1 qvTGHdzF6KLavt4PO0gs2a6pQ00=",
	}, []byte("hello"))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())
}

func TestServer_hooks(t *testing.T) {
	svr := NewServer()
	defer svr.Close()
	svr.AddHook(FailTimes(http.MethodHead, 1, http.StatusInternalServerError))

	uploadURL := svr.Seed(5, []byte("he"))

	resp := send(t, http.MethodHead, uploadURL, nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())

	resp = send(t, http.MethodHead, uploadURL, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "2", resp.Header("Upload-Offset"))
}
