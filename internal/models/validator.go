package models

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// dryRunTimeout bounds a validation pass so an inject callback that never fires
// cannot hang imposter creation
const dryRunTimeout = 2 * time.Second

// Validator checks imposter and stub definitions before they are applied. Each
// stub is exercised against a synthetic request in a throwaway repository with its
// own state, so validation never touches a live imposter.
type Validator struct {
	allowInjection bool
	csv            *CSVCache
	logger         *util.Logger
}

// NewValidator creates a new validator
func NewValidator(allowInjection bool, csv *CSVCache, logger *util.Logger) *Validator {
	return &Validator{
		allowInjection: allowInjection,
		csv:            csv,
		logger:         logger,
	}
}

// ValidateImposter checks the imposter fields and every stub, reporting all
// errors together
func (v *Validator) ValidateImposter(ctx context.Context, config *ImposterConfig) error {
	var errs util.ErrorList

	if config.Protocol == "" {
		errs.Add(util.NewValidationError("'protocol' is a required field", config))
	}
	if config.Port < 0 || config.Port > 65535 {
		errs.Add(util.NewValidationError("invalid value for 'port'", config.Port))
	}
	if config.Mode != "" && config.Mode != ModeText && config.Mode != ModeBinary {
		errs.Add(util.NewValidationError("'mode' must be 'text' or 'binary'", config.Mode))
	}
	for _, stub := range config.Stubs {
		v.validateStub(ctx, config, stub, &errs)
	}
	return errs.Err()
}

// ValidateStubs checks stubs against the imposter they will be added to
func (v *Validator) ValidateStubs(ctx context.Context, config *ImposterConfig, stubs []Stub) error {
	var errs util.ErrorList
	for _, stub := range stubs {
		v.validateStub(ctx, config, stub, &errs)
	}
	return errs.Err()
}

func (v *Validator) validateStub(ctx context.Context, config *ImposterConfig, stub Stub, errs *util.ErrorList) {
	before := len(*errs)

	for i := range stub.Predicates {
		v.validatePredicate(&stub.Predicates[i], errs)
	}
	for i := range stub.Responses {
		v.validateResponse(&stub.Responses[i], errs)
	}
	if len(*errs) > before {
		return
	}

	if err := v.dryRun(ctx, config, stub); err != nil {
		errs.Add(err)
	}
}

func (v *Validator) validatePredicate(predicate *Predicate, errs *util.ErrorList) {
	switch predicate.Operator() {
	case "":
		errs.Add(util.NewValidationError("missing predicate", predicate))
	case "not":
		v.validatePredicate(predicate.Not, errs)
	case "or":
		for i := range predicate.Or {
			v.validatePredicate(&predicate.Or[i], errs)
		}
	case "and":
		for i := range predicate.And {
			v.validatePredicate(&predicate.And[i], errs)
		}
	case "inject":
		v.requireInjection(predicate.Inject, errs)
	}
}

func (v *Validator) validateResponse(response *ResponseConfig, errs *util.ErrorList) {
	kinds := 0
	for _, set := range []bool{response.Is != nil, response.Proxy != nil, response.Inject != "", response.Fault != ""} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		errs.Add(util.NewValidationError("each response object must have only one response type", response))
	}

	switch response.Kind() {
	case "inject":
		v.requireInjection(response.Inject, errs)
	case "proxy":
		v.validateProxy(response.Proxy, errs)
	}

	raw := response.RawBehaviors()
	if raw == nil {
		return
	}
	if err := ValidateBehaviors(raw); err != nil {
		errs.Add(err)
		return
	}
	if _, err := response.DecodeBehaviors(); err != nil {
		errs.Add(util.NewValidationError(fmt.Sprintf("malformed behaviors: %v", err), raw))
		return
	}
	if fn, ok := raw["wait"].(string); ok {
		v.requireInjection(fn, errs)
	}
	if fn, ok := raw["decorate"].(string); ok {
		v.requireInjection(fn, errs)
	}
	if commands, ok := raw["shellTransform"]; ok {
		v.requireInjection(util.Stringify(commands), errs)
	}
}

func (v *Validator) validateProxy(proxy *ProxyConfig, errs *util.ErrorList) {
	if proxy.To == "" {
		errs.Add(util.NewValidationError("proxy response requires a 'to' field", proxy))
		return
	}
	parsed, err := url.Parse(proxy.To)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs.Add(util.NewValidationError(fmt.Sprintf("invalid proxy destination %s", proxy.To), proxy))
	}
	switch proxy.RecordingMode() {
	case ProxyOnce, ProxyAlways, ProxyTransparent:
	default:
		errs.Add(util.NewValidationError(fmt.Sprintf("unrecognized proxy mode %s", proxy.Mode), proxy))
	}
	if proxy.AddDecorateBehavior != "" {
		v.requireInjection(proxy.AddDecorateBehavior, errs)
	}
	for _, generator := range proxy.PredicateGenerators {
		if generator.Inject != "" {
			v.requireInjection(generator.Inject, errs)
		}
	}
}

func (v *Validator) requireInjection(source string, errs *util.ErrorList) {
	if !v.allowInjection {
		errs.Add(util.NewInjectionError(injectionDisabledMessage, source, nil))
	}
}

// dryRun matches a synthetic request against stub and resolves every response
// once; waits, shell transforms, decorators and proxies are skipped
func (v *Validator) dryRun(ctx context.Context, config *ImposterConfig, stub Stub) error {
	ctx, cancel := context.WithTimeout(ctx, dryRunTimeout)
	defer cancel()

	logger := v.logger.WithScope("dry-run")
	state := NewImposterState()
	injector := NewInjector(v.allowInjection)
	stubs := NewStubRepository(logger, false)

	dry := stub
	dry.ID = ""
	dry.Matches = nil
	if err := stubs.AddStub(dry); err != nil {
		return err
	}

	evaluator := NewPredicateEvaluator(config.Encoding(), logger, state, injector)
	behaviors := NewBehaviorExecutor(logger, state, injector, v.csv)
	recorder := NewProxyRecorder(nil, stubs, injector, state, logger)
	resolver := NewResponseResolver(injector, behaviors, recorder, state, logger, config.Mode, config.DefaultResponse)

	cycle := 0
	for i := range stub.Responses {
		cycle += stub.Responses[i].RepeatCount()
	}

	request := dryRunRequest(config.Protocol)
	for ; cycle > 0; cycle-- {
		chosen, err := stubs.GetResponseFor(request, evaluator)
		if err != nil {
			return err
		}
		if _, err := resolver.Resolve(ctx, request, chosen); err != nil {
			return err
		}
	}
	return nil
}

func dryRunRequest(protocol string) *Request {
	request := &Request{
		Protocol:  protocol,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		IsDryRun:  true,
	}
	if protocol == "tcp" {
		return request
	}
	request.Method = "GET"
	request.Path = "/"
	request.Query = map[string]interface{}{}
	request.Headers = map[string]interface{}{}
	return request
}
