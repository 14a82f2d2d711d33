package http

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyForwardsRequest(t *testing.T) {
	var received *http.Request
	var receivedBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = r
		receivedBody = string(body)
		w.Header().Set("X-Origin", "true")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer origin.Close()

	request := &models.Request{
		Method: "PUT",
		Path:   "/kettles/1",
		Query:  map[string]interface{}{"size": "large", "tag": []interface{}{"a", "b"}},
		Headers: map[string]interface{}{
			"Host":       "imposter.test",
			"Connection": "keep-alive",
			"X-Trace":    "abc",
		},
		Body: "boil",
	}
	options := &models.ProxyConfig{To: origin.URL, InjectHeaders: map[string]string{"X-Injected": "yes"}}

	response, err := NewProxyClient(testLogger()).To(context.Background(), origin.URL, request, options)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, response.StatusCode)
	assert.Equal(t, "short and stout", response.Body)
	assert.Equal(t, "true", response.Headers["X-Origin"])
	assert.Equal(t, models.ModeText, response.Mode)

	require.NotNil(t, received)
	assert.Equal(t, "PUT", received.Method)
	assert.Equal(t, "/kettles/1", received.URL.Path)
	assert.Equal(t, "large", received.URL.Query().Get("size"))
	assert.Equal(t, []string{"a", "b"}, received.URL.Query()["tag"])
	assert.Equal(t, "abc", received.Header.Get("X-Trace"))
	assert.Equal(t, "yes", received.Header.Get("X-Injected"))
	assert.Empty(t, received.Header.Get("Connection"))
	assert.Equal(t, origin.Listener.Addr().String(), received.Host)
	assert.Equal(t, "boil", receivedBody)
}

func TestProxyInjectsHostHeader(t *testing.T) {
	var host string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.Host
	}))
	defer origin.Close()

	request := &models.Request{Method: "GET", Path: "/"}
	options := &models.ProxyConfig{InjectHeaders: map[string]string{"Host": "virtual.test"}}

	_, err := NewProxyClient(testLogger()).To(context.Background(), origin.URL, request, options)
	require.NoError(t, err)
	assert.Equal(t, "virtual.test", host)
}

func TestProxyDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer origin.Close()

	response, err := NewProxyClient(testLogger()).To(context.Background(), origin.URL, &models.Request{Method: "GET", Path: "/"}, &models.ProxyConfig{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, response.StatusCode)
	assert.Equal(t, "/elsewhere", response.Headers["Location"])
}

func TestProxyEncodesBinaryBodies(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	response, err := NewProxyClient(testLogger()).To(context.Background(), origin.URL, &models.Request{Method: "GET", Path: "/logo.png"}, &models.ProxyConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.ModeBinary, response.Mode)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), response.Body)
}

func TestProxyErrors(t *testing.T) {
	client := NewProxyClient(testLogger())
	request := &models.Request{Method: "GET", Path: "/"}

	_, err := client.To(context.Background(), "ftp://origin", request, &models.ProxyConfig{})
	require.Error(t, err)
	assert.Equal(t, util.InvalidProxyError, util.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid destination URL")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddress := "http://" + listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = client.To(context.Background(), closedAddress, request, &models.ProxyConfig{})
	require.Error(t, err)
	assert.Equal(t, util.InvalidProxyError, util.CodeOf(err))
	assert.Contains(t, err.Error(), "Unable to connect to \""+closedAddress+"\"")
}

func TestProxyRejectsBadClientCertificate(t *testing.T) {
	_, err := NewProxyClient(testLogger()).To(context.Background(), "https://127.0.0.1:1", &models.Request{Method: "GET", Path: "/"},
		&models.ProxyConfig{Cert: "not a cert", Key: "not a key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid client certificate")
}

func TestFromHTTPResponseTreatsGzipAsBinary(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{"Content-Encoding": {"gzip"}, "Content-Type": {"text/plain"}}}
	response := FromHTTPResponse(resp, []byte("zip"))
	assert.True(t, response.IsBinary())
	assert.Equal(t, "emlw", response.Body)
}
