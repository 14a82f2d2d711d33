package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// ImposterController handles single imposter endpoints
type ImposterController struct {
	repository *models.ImposterRepository
	validator  *models.Validator
	logger     *util.Logger
}

// NewImposterController creates a new imposter controller
func NewImposterController(repository *models.ImposterRepository, validator *models.Validator, logger *util.Logger) *ImposterController {
	return &ImposterController{
		repository: repository,
		validator:  validator,
		logger:     logger,
	}
}

func (ic *ImposterController) imposterFor(r *http.Request) (*models.Imposter, error) {
	port, err := portFromRequest(r)
	if err != nil {
		return nil, err
	}
	return ic.repository.Get(port)
}

// Get handles GET /imposters/{id}
func (ic *ImposterController) Get(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(jsonOptions(r, true)))
}

// Delete handles DELETE /imposters/{id}; deleting a missing imposter is not an error
func (ic *ImposterController) Delete(w http.ResponseWriter, r *http.Request) {
	port, err := portFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	imposter, err := ic.repository.Delete(port)
	if err != nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	options := jsonOptions(r, true)
	if r.URL.Query().Get("replayable") == "" {
		options.Replayable = true
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(options))
}

// PutStubs handles PUT /imposters/{id}/stubs
func (ic *ImposterController) PutStubs(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}

	var body struct {
		Stubs []models.Stub `json:"stubs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if body.Stubs == nil {
		writeError(w, ic.logger, util.NewValidationError("'stubs' is a required field", nil))
		return
	}
	if err := ic.validateStubs(r, imposter, body.Stubs...); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := imposter.Stubs().OverwriteStubs(body.Stubs); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// PostStub handles POST /imposters/{id}/stubs; the body carries the stub and an
// optional index
func (ic *ImposterController) PostStub(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}

	var body struct {
		Index *int            `json:"index"`
		Stub  json.RawMessage `json:"stub"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if len(body.Stub) == 0 {
		writeError(w, ic.logger, util.NewValidationError("must contain 'stub' field", nil))
		return
	}
	var stub models.Stub
	if err := json.Unmarshal(body.Stub, &stub); err != nil {
		writeError(w, ic.logger, util.NewValidationError("Unable to parse stub as JSON", string(body.Stub)))
		return
	}
	if err := ic.validateStubs(r, imposter, stub); err != nil {
		writeError(w, ic.logger, err)
		return
	}

	if body.Index == nil {
		err = imposter.Stubs().AddStub(stub)
	} else {
		err = imposter.Stubs().AddStubAtIndex(stub, *body.Index)
	}
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// PutStub handles PUT /imposters/{id}/stubs/{stubIndex}; the body is the stub
func (ic *ImposterController) PutStub(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	index, err := stubIndex(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}

	var stub models.Stub
	if err := decodeBody(r, &stub); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := ic.validateStubs(r, imposter, stub); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := imposter.Stubs().OverwriteStubAtIndex(stub, index); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// DeleteStub handles DELETE /imposters/{id}/stubs/{stubIndex}
func (ic *ImposterController) DeleteStub(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	index, err := stubIndex(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := imposter.Stubs().DeleteStubAtIndex(index); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// DeleteStubByID handles DELETE /imposters/{id}/stubs/id/{stubID}
func (ic *ImposterController) DeleteStubByID(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	if err := imposter.Stubs().DeleteStubByID(mux.Vars(r)["stubID"]); err != nil {
		writeError(w, ic.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// ResetRequests handles DELETE /imposters/{id}/savedRequests
func (ic *ImposterController) ResetRequests(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	imposter.ResetRequests()
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

// DeleteSavedProxyResponses handles DELETE /imposters/{id}/savedProxyResponses
func (ic *ImposterController) DeleteSavedProxyResponses(w http.ResponseWriter, r *http.Request) {
	imposter, err := ic.imposterFor(r)
	if err != nil {
		writeError(w, ic.logger, err)
		return
	}
	imposter.ResetProxies()
	writeJSON(w, http.StatusOK, imposter.ToJSON(models.JSONOptions{}))
}

func (ic *ImposterController) validateStubs(r *http.Request, imposter *models.Imposter, stubs ...models.Stub) error {
	config := imposter.Config()
	return ic.validator.ValidateStubs(r.Context(), &config, stubs)
}

func stubIndex(r *http.Request) (int, error) {
	raw := mux.Vars(r)["stubIndex"]
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, util.NewMissingResourceError(fmt.Sprintf("'stubIndex' must be a valid integer, representing the array index position of the stub to replace: %s", raw), raw)
	}
	return index, nil
}
