package controllers

import (
	"net/http"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// LogSource exposes the captured log entries of the engine
type LogSource interface {
	GetEntries(startIndex, endIndex int) []util.LogEntry
}

// LogsController serves GET /logs
type LogsController struct {
	source LogSource
}

// NewLogsController creates a logs controller reading from source
func NewLogsController(source LogSource) *LogsController {
	return &LogsController{source: source}
}

// Get returns the entries in [startIndex, endIndex); endIndex defaults to the end
func (lc *LogsController) Get(w http.ResponseWriter, r *http.Request) {
	entries := lc.source.GetEntries(queryInt(r, "startIndex", 0), queryInt(r, "endIndex", -1))
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}
