package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *util.Logger {
	return util.NewLoggerWithOptions(util.LogOptions{Level: "error", Output: io.Discard})
}

// sourceFunc adapts a function to ResponseSource
type sourceFunc func(ctx context.Context, request *models.Request) (*models.Response, error)

func (f sourceFunc) GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error) {
	return f(ctx, request)
}

func startServer(t *testing.T, config *models.ImposterConfig, source ResponseSource) string {
	t.Helper()
	server, err := Create(config, testLogger(), source)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close(nil) })
	return fmt.Sprintf("http://127.0.0.1:%d", server.Port())
}

func staticSource(response *models.Response) ResponseSource {
	return sourceFunc(func(context.Context, *models.Request) (*models.Response, error) {
		return response.Clone(), nil
	})
}

func TestToRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/orders?id=1&tag=a&tag=b", strings.NewReader(`{"a": 1}`))
	r.Host = "example.test"
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("Content-Type", "application/json")
	r.Header.Add("X-Multi", "one")
	r.Header.Add("X-Multi", "two")

	request, err := ToRequest(r, "http")
	require.NoError(t, err)

	assert.Equal(t, "POST", request.Method)
	assert.Equal(t, "/orders", request.Path)
	assert.Equal(t, "1", request.Query["id"])
	assert.Equal(t, []interface{}{"a", "b"}, request.Query["tag"])
	assert.Equal(t, "example.test", request.Headers["Host"])
	assert.Equal(t, []interface{}{"one", "two"}, request.Headers["X-Multi"])
	assert.Equal(t, `{"a": 1}`, request.Body)
	assert.Equal(t, "10.0.0.5:5555", request.RequestFrom)
	assert.Equal(t, "10.0.0.5", request.IP)
	assert.Nil(t, request.Form)
	assert.Equal(t, []string{
		"Host", "example.test",
		"Content-Type", "application/json",
		"X-Multi", "one",
		"X-Multi", "two",
	}, request.RawHeaders)
	assert.NotEmpty(t, request.Timestamp)
}

func TestToRequestParsesForms(t *testing.T) {
	r := httptest.NewRequest("POST", "/login", strings.NewReader("user=alice&role=a&role=b"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	request, err := ToRequest(r, "http")
	require.NoError(t, err)
	assert.Equal(t, "alice", request.Form["user"])
	assert.Equal(t, []interface{}{"a", "b"}, request.Form["role"])
}

func TestWriteResponse(t *testing.T) {
	t.Run("defaults to 200", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteResponse(w, &models.Response{Body: "plain"}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "plain", w.Body.String())
	})

	t.Run("objects are JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteResponse(w, &models.Response{StatusCode: 201, Body: map[string]interface{}{"id": 7}}))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"id": 7}`, w.Body.String())
	})

	t.Run("binary bodies are decoded", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 255})
		require.NoError(t, WriteResponse(w, &models.Response{Body: body, Mode: models.ModeBinary}))
		assert.Equal(t, []byte{0, 1, 2, 255}, w.Body.Bytes())
	})

	t.Run("header lists", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteResponse(w, &models.Response{Headers: map[string]interface{}{
			"Set-Cookie": []interface{}{"a=1", "b=2"},
			"X-Count":    float64(3),
		}}))
		assert.Equal(t, []string{"a=1", "b=2"}, w.Header().Values("Set-Cookie"))
		assert.Equal(t, "3", w.Header().Get("X-Count"))
	})
}

func TestServerServesResolvedResponses(t *testing.T) {
	var mu sync.Mutex
	var seen *models.Request
	source := sourceFunc(func(_ context.Context, request *models.Request) (*models.Response, error) {
		mu.Lock()
		seen = request
		mu.Unlock()
		return &models.Response{
			StatusCode: 202,
			Headers:    map[string]interface{}{"X-Imposter": "yes"},
			Body:       "accepted " + request.Path,
		}, nil
	})
	base := startServer(t, &models.ImposterConfig{Protocol: "http"}, source)

	resp, err := http.Post(base+"/jobs?priority=high", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Imposter"))
	assert.Equal(t, "accepted /jobs", string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "http", seen.Protocol)
	assert.Equal(t, "high", seen.Query["priority"])
	assert.Equal(t, "payload", seen.Body)
}

func TestServerWritesErrors(t *testing.T) {
	source := sourceFunc(func(context.Context, *models.Request) (*models.Response, error) {
		return nil, util.NewInjectionError("invalid response injection", "function () {}", nil)
	})
	base := startServer(t, &models.ImposterConfig{Protocol: "http"}, source)

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body util.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, util.InjectionError, body.Errors[0].Code)
}

func TestServerFaults(t *testing.T) {
	for _, fault := range []string{FaultConnectionReset, FaultRandomData} {
		t.Run(fault, func(t *testing.T) {
			base := startServer(t, &models.ImposterConfig{Protocol: "http"}, staticSource(&models.Response{Fault: fault}))

			resp, err := http.Get(base + "/")
			if err == nil {
				resp.Body.Close()
			}
			assert.Error(t, err)
		})
	}
}

func TestServerUnknownFaultSendsNormalResponse(t *testing.T) {
	base := startServer(t, &models.ImposterConfig{Protocol: "http"}, staticSource(&models.Response{Fault: "NOT_A_FAULT", Body: "fine"}))

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerDropsBlockedConnections(t *testing.T) {
	base := startServer(t, &models.ImposterConfig{Protocol: "http"}, staticSource(&models.Response{Blocked: true}))

	resp, err := http.Get(base + "/")
	if err == nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestServerAnswersPreflightWhenCORSAllowed(t *testing.T) {
	base := startServer(t, &models.ImposterConfig{Protocol: "http", AllowCORS: true}, staticSource(&models.Response{StatusCode: 500}))

	req, err := http.NewRequest(http.MethodOptions, base+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.test")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	req.Header.Set("Access-Control-Request-Headers", "X-Token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Token", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestServerRecordsMatchAfterWriting(t *testing.T) {
	logger := testLogger()
	imposter, err := models.NewImposter(&models.ImposterConfig{
		Protocol: "http",
		Stubs:    []models.Stub{{Responses: []models.ResponseConfig{{Is: &models.Response{Body: "matched"}}}}},
	}, logger, models.ImposterOptions{RecordMatches: true})
	require.NoError(t, err)
	base := startServer(t, &models.ImposterConfig{Protocol: "http"}, imposter)

	resp, err := http.Get(base + "/m")
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return len(imposter.Stubs().Stubs()[0].Matches) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "/m", imposter.Stubs().Stubs()[0].Matches[0].Request.Path)
}

func TestCreateFailsOnBusyPort(t *testing.T) {
	server, err := Create(&models.ImposterConfig{Protocol: "http"}, testLogger(), staticSource(&models.Response{}))
	require.NoError(t, err)
	defer server.Close(nil)

	_, err = Create(&models.ImposterConfig{Protocol: "http", Port: server.Port()}, testLogger(), staticSource(&models.Response{}))
	require.Error(t, err)
	assert.Equal(t, util.ProtocolError, util.CodeOf(err))
}
