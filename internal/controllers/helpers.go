package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// ImposterCreator starts an imposter for a validated config and registers it
type ImposterCreator interface {
	CreateImposter(ctx context.Context, config *models.ImposterConfig) (*models.Imposter, error)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(body)
}

func writeError(w http.ResponseWriter, logger *util.Logger, err error) {
	status, body := util.ErrorResponseFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%v", err)
	} else {
		logger.Warnf("%v", err)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, target interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return util.NewValidationError("unable to read request body", err.Error())
	}
	if err := json.Unmarshal(data, target); err != nil {
		return util.NewValidationError("Unable to parse body as JSON", string(data))
	}
	return nil
}

func queryFlag(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && value
}

// queryInt reads an integer query parameter, falling back when it is absent or not a number
func queryInt(r *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return value
}

func jsonOptions(r *http.Request, requests bool) models.JSONOptions {
	return models.JSONOptions{
		Replayable:    queryFlag(r, "replayable"),
		RemoveProxies: queryFlag(r, "removeProxies"),
		Requests:      requests,
	}
}

func portFromRequest(r *http.Request) (int, error) {
	id := mux.Vars(r)["id"]
	port, err := strconv.Atoi(id)
	if err != nil {
		return 0, util.NewMissingResourceError("no imposter on port "+id, id)
	}
	return port, nil
}
