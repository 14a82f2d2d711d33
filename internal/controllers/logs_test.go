package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logsFor(t *testing.T, logger *util.Logger, target string) []util.LogEntry {
	t.Helper()
	w := httptest.NewRecorder()
	NewLogsController(logger).Get(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Logs []util.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Logs
}

func TestLogsRange(t *testing.T) {
	logger := util.NewLoggerWithOptions(util.LogOptions{Level: "info", Output: io.Discard})
	logger.Infof("first")
	logger.Infof("second")
	logger.Infof("third")

	assert.Len(t, logsFor(t, logger, "/logs"), 3)
	assert.Len(t, logsFor(t, logger, "/logs?startIndex=1"), 2)
	assert.Len(t, logsFor(t, logger, "/logs?startIndex=0&endIndex=1"), 1)
	assert.Len(t, logsFor(t, logger, "/logs?startIndex=oops&endIndex=2"), 2)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/logs?startIndex=4&endIndex=x", nil)

	assert.Equal(t, 4, queryInt(r, "startIndex", 0))
	assert.Equal(t, -1, queryInt(r, "endIndex", -1))
	assert.Equal(t, 7, queryInt(r, "missing", 7))
}
