package models

import (
	"context"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// ResponseResolver turns the response configuration chosen by the stub
// repository into a concrete response
type ResponseResolver struct {
	injector  *Injector
	behaviors *BehaviorExecutor
	recorder  *ProxyRecorder
	state     *ImposterState
	logger    *util.Logger
	mode      string
	defaults  *Response
}

// NewResponseResolver creates a new response resolver. mode is the imposter's
// default response mode and defaults fills fields an is response leaves empty.
func NewResponseResolver(injector *Injector, behaviors *BehaviorExecutor, recorder *ProxyRecorder, state *ImposterState, logger *util.Logger, mode string, defaults *Response) *ResponseResolver {
	if mode == "" {
		mode = ModeText
	}
	return &ResponseResolver{
		injector:  injector,
		behaviors: behaviors,
		recorder:  recorder,
		state:     state,
		logger:    logger,
		mode:      mode,
		defaults:  defaults,
	}
}

// Resolve produces the response for a chosen stub response, running behaviors
// and attaching the stub's match recorder
func (rr *ResponseResolver) Resolve(ctx context.Context, request *Request, chosen *StubResponse) (*Response, error) {
	config := chosen.Config
	var response *Response
	var err error

	switch config.Kind() {
	case "proxy":
		response, err = rr.recorder.Proxy(ctx, request, config.Proxy, chosen.StubID)
	case "inject":
		response, err = rr.injector.Response(ctx, config.Inject, request, rr.state, rr.logger)
		if err == nil {
			response = rr.withDefaults(response)
		}
	case "fault":
		response = &Response{Fault: config.Fault}
	default:
		response = rr.withDefaults(config.Is.Clone())
	}
	if err != nil {
		return nil, err
	}

	if config.Kind() != "fault" && chosen.Behaviors != nil {
		if response, err = rr.behaviors.Execute(ctx, request, response, chosen.Behaviors); err != nil {
			return nil, err
		}
	}

	if response.Mode == "" {
		response.Mode = rr.mode
	}
	response.recordMatch = chosen.recordMatch
	return response, nil
}

// withDefaults fills fields the response leaves empty from the imposter's
// default response
func (rr *ResponseResolver) withDefaults(response *Response) *Response {
	if response == nil {
		response = &Response{}
	}
	if rr.defaults == nil {
		return response
	}
	if response.StatusCode == 0 {
		response.StatusCode = rr.defaults.StatusCode
	}
	if response.Headers == nil {
		response.Headers = util.CloneMap(rr.defaults.Headers)
	}
	if response.Body == nil {
		response.Body = util.CloneValue(rr.defaults.Body)
	}
	if response.Data == "" {
		response.Data = rr.defaults.Data
	}
	if response.Mode == "" {
		response.Mode = rr.defaults.Mode
	}
	return response
}
