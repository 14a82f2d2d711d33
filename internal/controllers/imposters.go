package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// ImpostersController handles imposter collection endpoints
type ImpostersController struct {
	repository *models.ImposterRepository
	creator    ImposterCreator
	validator  *models.Validator
	logger     *util.Logger
}

// NewImpostersController creates a new imposters controller
func NewImpostersController(repository *models.ImposterRepository, creator ImposterCreator, validator *models.Validator, logger *util.Logger) *ImpostersController {
	return &ImpostersController{
		repository: repository,
		creator:    creator,
		validator:  validator,
		logger:     logger,
	}
}

type impostersBody struct {
	Imposters []*models.ImposterInfo `json:"imposters"`
}

func toJSONList(imposters []*models.Imposter, options models.JSONOptions) impostersBody {
	list := make([]*models.ImposterInfo, 0, len(imposters))
	for _, imposter := range imposters {
		list = append(list, imposter.ToJSON(options))
	}
	return impostersBody{Imposters: list}
}

// Get handles GET /imposters
func (ic *ImpostersController) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toJSONList(ic.repository.GetAll(), jsonOptions(r, false)))
}

// Post handles POST /imposters
func (ic *ImpostersController) Post(w http.ResponseWriter, r *http.Request) {
	var config models.ImposterConfig
	if err := decodeBody(r, &config); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := ic.validator.ValidateImposter(r.Context(), &config); err != nil {
		writeError(w, ic.logger, err)
		return
	}

	imposter, err := ic.creator.CreateImposter(r.Context(), &config)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	w.Header().Set("Location", "/imposters/"+strconv.Itoa(imposter.Port()))
	writeJSON(w, http.StatusCreated, imposter.ToJSON(models.JSONOptions{}))
}

// Delete handles DELETE /imposters
func (ic *ImpostersController) Delete(w http.ResponseWriter, r *http.Request) {
	options := jsonOptions(r, false)
	if r.URL.Query().Get("replayable") == "" {
		options.Replayable = true
	}
	writeJSON(w, http.StatusOK, toJSONList(ic.repository.DeleteAll(), options))
}

// Put handles PUT /imposters, replacing every imposter. All configs are
// validated before anything is torn down.
func (ic *ImpostersController) Put(w http.ResponseWriter, r *http.Request) {
	configs, err := decodeImposterList(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}

	var errs util.ErrorList
	for _, config := range configs {
		errs.Add(ic.validator.ValidateImposter(r.Context(), config))
	}
	if err := errs.Err(); err != nil {
		writeError(w, ic.logger, err)
		return
	}

	ic.repository.DeleteAll()
	imposters := make([]*models.Imposter, 0, len(configs))
	for _, config := range configs {
		imposter, err := ic.creator.CreateImposter(r.Context(), config)
		if err != nil {
			writeError(w, ic.logger, err)
			return
		}
		imposters = append(imposters, imposter)
	}
	writeJSON(w, http.StatusOK, toJSONList(imposters, models.JSONOptions{}))
}

// decodeImposterList accepts either {"imposters": [...]} or a bare array
func decodeImposterList(r *http.Request) ([]*models.ImposterConfig, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}

	var configs []*models.ImposterConfig
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var wrapped struct {
			Imposters []*models.ImposterConfig `json:"imposters"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, util.NewValidationError("Unable to parse body as JSON", trimmed)
		}
		configs = wrapped.Imposters
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw, &configs); err != nil {
			return nil, util.NewValidationError("Unable to parse body as JSON", trimmed)
		}
	default:
		return nil, util.NewValidationError("body must be an object or an array", trimmed)
	}
	return configs, nil
}
