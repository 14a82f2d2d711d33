package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// stubEntry is the repository's internal view of a stub: the wire form plus its
// repeat-expanded response order and cycling position
type stubEntry struct {
	id         string
	predicates []Predicate
	responses  []ResponseConfig
	behaviors  []*Behaviors
	order      []int
	next       int
	matches    []Match
}

func newStubEntry(stub Stub) (*stubEntry, error) {
	entry := &stubEntry{
		id:         stub.ID,
		predicates: stub.Predicates,
		matches:    stub.Matches,
	}
	if entry.id == "" {
		entry.id = uuid.NewString()
	}
	if err := entry.setResponses(stub.Responses); err != nil {
		return nil, err
	}
	return entry, nil
}

// setResponses decodes behaviors and expands repeat counts once, up front
func (e *stubEntry) setResponses(responses []ResponseConfig) error {
	behaviors := make([]*Behaviors, len(responses))
	order := make([]int, 0, len(responses))
	for i := range responses {
		decoded, err := responses[i].DecodeBehaviors()
		if err != nil {
			return util.NewValidationError(fmt.Sprintf("malformed behaviors: %v", err), responses[i].RawBehaviors())
		}
		behaviors[i] = decoded
		for n := 0; n < responses[i].RepeatCount(); n++ {
			order = append(order, i)
		}
	}
	e.responses = responses
	e.behaviors = behaviors
	e.order = order
	e.next = 0
	return nil
}

// nextResponse advances the circular cursor; callers hold the repository lock
func (e *stubEntry) nextResponse() (ResponseConfig, *Behaviors) {
	if len(e.order) == 0 {
		return ResponseConfig{Is: &Response{}}, nil
	}
	index := e.order[e.next%len(e.order)]
	e.next = (e.next + 1) % len(e.order)
	return e.responses[index], e.behaviors[index]
}

func (e *stubEntry) toStub() Stub {
	return Stub{
		ID:         e.id,
		Predicates: e.predicates,
		Responses:  e.responses,
		Matches:    e.matches,
	}
}

// StubResponse is the response configuration chosen for a request
type StubResponse struct {
	Config    ResponseConfig
	Behaviors *Behaviors
	// StubID is empty when no stub matched
	StubID string

	recordMatch func(*Response)
}

// StubRepository manages stubs for an imposter
type StubRepository struct {
	mu            sync.Mutex
	stubs         []*stubEntry
	requests      []*Request
	recordMatches bool
	logger        *util.Logger
}

// NewStubRepository creates a new stub repository; matches are only kept when
// recordMatches is set
func NewStubRepository(logger *util.Logger, recordMatches bool) *StubRepository {
	return &StubRepository{
		stubs:         make([]*stubEntry, 0),
		requests:      make([]*Request, 0),
		recordMatches: recordMatches,
		logger:        logger,
	}
}

// AddStub appends a stub
func (sr *StubRepository) AddStub(stub Stub) error {
	entry, err := newStubEntry(stub)
	if err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stubs = append(sr.stubs, entry)
	return nil
}

// AddStubAtIndex inserts a stub at index; an index past the end appends
func (sr *StubRepository) AddStubAtIndex(stub Stub, index int) error {
	entry, err := newStubEntry(stub)
	if err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.insert(entry, index)
	return nil
}

// AddStubBefore inserts a stub immediately before the stub with the given id, or
// appends it when that stub no longer exists
func (sr *StubRepository) AddStubBefore(stub Stub, id string) error {
	entry, err := newStubEntry(stub)
	if err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.insert(entry, sr.indexOf(id))
	return nil
}

func (sr *StubRepository) insert(entry *stubEntry, index int) {
	if index < 0 || index >= len(sr.stubs) {
		sr.stubs = append(sr.stubs, entry)
		return
	}
	sr.stubs = append(sr.stubs, nil)
	copy(sr.stubs[index+1:], sr.stubs[index:])
	sr.stubs[index] = entry
}

func (sr *StubRepository) indexOf(id string) int {
	for i, entry := range sr.stubs {
		if entry.id == id {
			return i
		}
	}
	return -1
}

// OverwriteStubs replaces every stub
func (sr *StubRepository) OverwriteStubs(stubs []Stub) error {
	entries := make([]*stubEntry, 0, len(stubs))
	for _, stub := range stubs {
		entry, err := newStubEntry(stub)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stubs = entries
	return nil
}

// OverwriteStubAtIndex replaces the stub at index
func (sr *StubRepository) OverwriteStubAtIndex(stub Stub, index int) error {
	entry, err := newStubEntry(stub)
	if err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if index < 0 || index >= len(sr.stubs) {
		return invalidIndexError(index)
	}
	sr.stubs[index] = entry
	return nil
}

// DeleteStubAtIndex removes the stub at index
func (sr *StubRepository) DeleteStubAtIndex(index int) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if index < 0 || index >= len(sr.stubs) {
		return invalidIndexError(index)
	}
	sr.stubs = append(sr.stubs[:index], sr.stubs[index+1:]...)
	return nil
}

// DeleteStubByID removes the stub with the given id
func (sr *StubRepository) DeleteStubByID(id string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	index := sr.indexOf(id)
	if index < 0 {
		return util.NewMissingResourceError(fmt.Sprintf("no stub with id %s", id), id)
	}
	sr.stubs = append(sr.stubs[:index], sr.stubs[index+1:]...)
	return nil
}

func invalidIndexError(index int) error {
	return util.NewMissingResourceError("'stubIndex' must be a valid integer, representing the array index position of the stub to replace", index)
}

// Stubs returns a deep copy of every stub so callers never alias repository state
func (sr *StubRepository) Stubs() []Stub {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	stubs := make([]Stub, 0, len(sr.stubs))
	for _, entry := range sr.stubs {
		var clone Stub
		source := entry.toStub()
		if err := copier.CopyWithOption(&clone, &source, copier.Option{DeepCopy: true}); err != nil {
			sr.logger.Warnf("unable to copy stub %s: %v", entry.id, err)
			clone = source
		}
		stubs = append(stubs, clone)
	}
	return stubs
}

// Count returns the number of stubs
func (sr *StubRepository) Count() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.stubs)
}

// GetResponseFor finds the first stub whose predicates all match and advances its
// response cycle. Matching and cycling happen under one lock so two concurrent
// requests never observe the same cursor position.
func (sr *StubRepository) GetResponseFor(request *Request, evaluator *PredicateEvaluator) (*StubResponse, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var matched *stubEntry
	for _, entry := range sr.stubs {
		ok, err := evaluator.EvaluateAll(entry.predicates, request)
		if err != nil {
			return nil, err
		}
		if ok && matched == nil {
			matched = entry
		}
	}

	if matched == nil {
		sr.logger.Debugf("no predicate match, using default response")
		return &StubResponse{Config: ResponseConfig{Is: &Response{}}}, nil
	}

	config, behaviors := matched.nextResponse()
	sr.logger.Debugf("using stub %s response: %s", matched.id, util.ToJSON(config))

	return &StubResponse{
		Config:      config,
		Behaviors:   behaviors,
		StubID:      matched.id,
		recordMatch: sr.matchRecorder(matched.id, request),
	}, nil
}

// matchRecorder returns a one-shot closure appending the final response to the
// stub's match history
func (sr *StubRepository) matchRecorder(id string, request *Request) func(*Response) {
	if !sr.recordMatches {
		return nil
	}
	var once sync.Once
	return func(response *Response) {
		once.Do(func() {
			sr.mu.Lock()
			defer sr.mu.Unlock()
			index := sr.indexOf(id)
			if index < 0 {
				return
			}
			recorded := response.Clone()
			recorded.recordMatch = nil
			entry := sr.stubs[index]
			entry.matches = append(entry.matches, Match{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				Request:   request,
				Response:  recorded,
			})
		})
	}
}

// FindStubByPredicates returns the id of the first stub other than excludeID
// whose predicates are structurally identical to predicates
func (sr *StubRepository) FindStubByPredicates(predicates []Predicate, excludeID string) (string, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := canonicalPredicates(predicates)
	for _, entry := range sr.stubs {
		if entry.id == excludeID {
			continue
		}
		if canonicalPredicates(entry.predicates) == key {
			return entry.id, true
		}
	}
	return "", false
}

func canonicalPredicates(predicates []Predicate) string {
	if len(predicates) == 0 {
		return "[]"
	}
	return util.ToJSON(predicates)
}

// AddResponse appends a response to the stub with the given id
func (sr *StubRepository) AddResponse(id string, response ResponseConfig) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	index := sr.indexOf(id)
	if index < 0 {
		return util.NewMissingResourceError(fmt.Sprintf("no stub with id %s", id), id)
	}
	entry := sr.stubs[index]
	next := entry.next
	responses := append(append([]ResponseConfig{}, entry.responses...), response)
	if err := entry.setResponses(responses); err != nil {
		return err
	}
	entry.next = next
	return nil
}

// ResetProxies removes recorded proxy responses and any stub left without responses
func (sr *StubRepository) ResetProxies() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	kept := make([]*stubEntry, 0, len(sr.stubs))
	for _, entry := range sr.stubs {
		responses := make([]ResponseConfig, 0, len(entry.responses))
		for _, response := range entry.responses {
			if response.Is != nil && response.Is.ProxyResponseTime != nil {
				continue
			}
			responses = append(responses, response)
		}
		if len(responses) == 0 {
			continue
		}
		if len(responses) != len(entry.responses) {
			if err := entry.setResponses(responses); err != nil {
				sr.logger.Warnf("unable to reset stub %s: %v", entry.id, err)
			}
		}
		kept = append(kept, entry)
	}
	sr.stubs = kept
}

// AddRequest records a request
func (sr *StubRepository) AddRequest(request *Request) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.requests = append(sr.requests, request)
}

// LoadRequests returns all recorded requests
func (sr *StubRepository) LoadRequests() []*Request {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	requests := make([]*Request, len(sr.requests))
	copy(requests, sr.requests)
	return requests
}

// DeleteSavedRequests clears all recorded requests
func (sr *StubRepository) DeleteSavedRequests() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.requests = make([]*Request, 0)
}
