package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// RequestObserver receives per-request measurements
type RequestObserver interface {
	ObserveRequest(protocol string, port int, kind string, duration time.Duration, err error)
}

// ImposterOptions carries the process-wide settings an imposter is built with
type ImposterOptions struct {
	AllowInjection bool
	RecordMatches  bool
	ProxyClient    ProxyClient
	CSV            *CSVCache
	IPVerifier     *util.IPVerifier
	Observer       RequestObserver
}

// Imposter represents a virtual service
type Imposter struct {
	mu               sync.RWMutex
	port             int
	config           ImposterConfig
	stubs            *StubRepository
	state            *ImposterState
	evaluator        *PredicateEvaluator
	resolver         *ResponseResolver
	logger           *util.Logger
	verifier         *util.IPVerifier
	observer         RequestObserver
	numberOfRequests int
	closeFunc        func(func()) error
}

// ImposterInfo is the JSON representation of an imposter
type ImposterInfo struct {
	Protocol         string                 `json:"protocol"`
	Port             int                    `json:"port"`
	Name             string                 `json:"name,omitempty"`
	NumberOfRequests *int                   `json:"numberOfRequests,omitempty"`
	RecordRequests   bool                   `json:"recordRequests,omitempty"`
	AllowCORS        bool                   `json:"allowCORS,omitempty"`
	Mode             string                 `json:"mode,omitempty"`
	DefaultResponse  *Response              `json:"defaultResponse,omitempty"`
	Requests         []*Request             `json:"requests,omitempty"`
	Stubs            []Stub                 `json:"stubs"`
	Links            map[string]interface{} `json:"_links,omitempty"`
}

// JSONOptions controls what ToJSON includes
type JSONOptions struct {
	// Replayable drops runtime data so the output can be posted back
	Replayable bool
	// RemoveProxies drops proxy responses, keeping what they recorded
	RemoveProxies bool
	Requests      bool
}

// NewImposter creates a new imposter; the transport attaches itself afterwards
func NewImposter(config *ImposterConfig, logger *util.Logger, options ImposterOptions) (*Imposter, error) {
	state := NewImposterState()
	injector := NewInjector(options.AllowInjection)
	stubs := NewStubRepository(logger, options.RecordMatches)
	if err := stubs.OverwriteStubs(config.Stubs); err != nil {
		return nil, err
	}

	csv := options.CSV
	if csv == nil {
		csv = NewCSVCache(logger)
	}

	evaluator := NewPredicateEvaluator(config.Encoding(), logger, state, injector)
	behaviors := NewBehaviorExecutor(logger, state, injector, csv)
	recorder := NewProxyRecorder(options.ProxyClient, stubs, injector, state, logger)
	mode := ModeText
	if config.Mode == ModeBinary {
		mode = ModeBinary
	}

	return &Imposter{
		port:      config.Port,
		config:    *config,
		stubs:     stubs,
		state:     state,
		evaluator: evaluator,
		resolver:  NewResponseResolver(injector, behaviors, recorder, state, logger, mode, config.DefaultResponse),
		logger:    logger,
		verifier:  options.IPVerifier,
		observer:  options.Observer,
	}, nil
}

// Attach records the port the transport listens on and how to stop it
func (imp *Imposter) Attach(port int, closeFunc func(func()) error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	imp.port = port
	imp.config.Port = port
	imp.closeFunc = closeFunc
}

// GetResponseFor generates a response for a request. Callers invoke
// RecordMatch on the result once the response has been written.
func (imp *Imposter) GetResponseFor(ctx context.Context, request *Request) (*Response, error) {
	start := time.Now()

	if !imp.verifier.IsAllowed(request.IP, imp.logger) {
		return &Response{Blocked: true}, nil
	}

	if !request.IsDryRun {
		imp.mu.Lock()
		imp.numberOfRequests++
		imp.mu.Unlock()
		if imp.config.RecordRequests {
			imp.stubs.AddRequest(request)
		}
	}

	chosen, err := imp.stubs.GetResponseFor(request, imp.evaluator)
	kind := "none"
	if err == nil {
		kind = chosen.Config.Kind()
	}

	var response *Response
	if err == nil {
		response, err = imp.resolver.Resolve(ctx, request, chosen)
	}
	if imp.observer != nil {
		imp.observer.ObserveRequest(imp.config.Protocol, imp.Port(), kind, time.Since(start), err)
	}
	if err != nil {
		imp.logger.Errorf("error generating response: %v", err)
		return nil, err
	}
	return response, nil
}

// Stop stops the imposter
func (imp *Imposter) Stop() error {
	imp.mu.RLock()
	closeFunc := imp.closeFunc
	imp.mu.RUnlock()

	if closeFunc == nil {
		return nil
	}
	return closeFunc(func() {
		imp.logger.Info("Ciao for now")
	})
}

// ResetRequests clears all recorded requests
func (imp *Imposter) ResetRequests() {
	imp.mu.Lock()
	imp.numberOfRequests = 0
	imp.mu.Unlock()
	imp.stubs.DeleteSavedRequests()
}

// ResetProxies removes every response a proxy recorded
func (imp *Imposter) ResetProxies() {
	imp.stubs.ResetProxies()
}

// ToJSON converts the imposter to its JSON representation
func (imp *Imposter) ToJSON(options JSONOptions) *ImposterInfo {
	imp.mu.RLock()
	defer imp.mu.RUnlock()

	info := &ImposterInfo{
		Protocol:        imp.config.Protocol,
		Port:            imp.port,
		Name:            imp.config.Name,
		RecordRequests:  imp.config.RecordRequests,
		AllowCORS:       imp.config.AllowCORS,
		DefaultResponse: imp.config.DefaultResponse,
	}
	if imp.config.Protocol == "tcp" {
		info.Mode = imp.config.Mode
		if info.Mode == "" {
			info.Mode = ModeText
		}
	}

	stubs := imp.stubs.Stubs()
	if options.RemoveProxies {
		stubs = withoutProxies(stubs)
	}

	if options.Replayable {
		for i := range stubs {
			stubs[i].Matches = nil
		}
	} else {
		count := imp.numberOfRequests
		info.NumberOfRequests = &count
		self := fmt.Sprintf("/imposters/%d", imp.port)
		info.Links = map[string]interface{}{
			"self":  map[string]string{"href": self},
			"stubs": map[string]string{"href": self + "/stubs"},
		}
		if options.Requests {
			info.Requests = imp.stubs.LoadRequests()
		}
	}
	info.Stubs = stubs
	return info
}

func withoutProxies(stubs []Stub) []Stub {
	result := make([]Stub, 0, len(stubs))
	for _, stub := range stubs {
		responses := make([]ResponseConfig, 0, len(stub.Responses))
		for _, response := range stub.Responses {
			if response.Proxy == nil {
				responses = append(responses, response)
			}
		}
		if len(responses) == 0 {
			continue
		}
		stub.Responses = responses
		result = append(result, stub)
	}
	return result
}

// Port returns the imposter's port
func (imp *Imposter) Port() int {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	return imp.port
}

// Protocol returns the imposter's protocol
func (imp *Imposter) Protocol() string {
	return imp.config.Protocol
}

// Config returns a copy of the imposter's creation config
func (imp *Imposter) Config() ImposterConfig {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	return imp.config
}

// Stubs returns the stub repository
func (imp *Imposter) Stubs() *StubRepository {
	return imp.stubs
}

// State returns the imposter state shared with extension code
func (imp *Imposter) State() *ImposterState {
	return imp.state
}
