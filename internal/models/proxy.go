package models

import (
	"context"
	"strings"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// ProxyClient forwards a request to an origin server. Implementations map name
// resolution and connection failures to invalid proxy errors.
type ProxyClient interface {
	To(ctx context.Context, destination string, request *Request, options *ProxyConfig) (*Response, error)
}

// ProxyRecorder proxies requests and records origin responses as new stubs
type ProxyRecorder struct {
	client   ProxyClient
	stubs    *StubRepository
	injector *Injector
	state    *ImposterState
	logger   *util.Logger
}

// NewProxyRecorder creates a new proxy recorder
func NewProxyRecorder(client ProxyClient, stubs *StubRepository, injector *Injector, state *ImposterState, logger *util.Logger) *ProxyRecorder {
	return &ProxyRecorder{
		client:   client,
		stubs:    stubs,
		injector: injector,
		state:    state,
		logger:   logger,
	}
}

// Proxy sends request to the configured origin and, depending on the proxy mode,
// saves the origin's response. stubID identifies the proxy stub; proxyOnce
// recordings are inserted immediately before it.
func (pr *ProxyRecorder) Proxy(ctx context.Context, request *Request, config *ProxyConfig, stubID string) (*Response, error) {
	if request.IsDryRun {
		return &Response{}, nil
	}
	if pr.client == nil {
		return nil, util.NewInvalidProxyError("proxies are not supported for this protocol", config.To)
	}

	pr.logger.Infof("Proxying %s to %s", describeRequest(request), config.To)
	start := time.Now()
	response, err := pr.client.To(ctx, config.To, request, config)
	if err != nil {
		pr.logger.Errorf("proxy to %s failed: %v", config.To, err)
		return nil, err
	}
	elapsed := int(time.Since(start).Milliseconds())
	response.ProxyResponseTime = &elapsed

	mode := config.RecordingMode()
	if mode == ProxyTransparent {
		return response, nil
	}
	if err := pr.record(request, response, config, stubID, mode); err != nil {
		return nil, err
	}
	return response, nil
}

func (pr *ProxyRecorder) record(request *Request, response *Response, config *ProxyConfig, stubID, mode string) error {
	predicates, err := pr.GeneratePredicates(request, config.PredicateGenerators)
	if err != nil {
		return err
	}

	recorded := response.Clone()
	recorded.recordMatch = nil
	if config.AddDecorateBehavior != "" {
		decorated, err := pr.injector.Decorate(config.AddDecorateBehavior, request, recorded, pr.state, pr.logger)
		if err != nil {
			return err
		}
		decorated.recordMatch = nil
		decorated.ProxyResponseTime = recorded.ProxyResponseTime
		recorded = decorated
	}

	saved := ResponseConfig{Is: recorded}
	if config.AddWaitBehavior && recorded.ProxyResponseTime != nil {
		saved.Behaviors = map[string]interface{}{"wait": *recorded.ProxyResponseTime}
	}

	if mode == ProxyAlways {
		if id, ok := pr.stubs.FindStubByPredicates(predicates, stubID); ok {
			pr.logger.Debugf("appending recorded response to stub %s", id)
			return pr.stubs.AddResponse(id, saved)
		}
		return pr.stubs.AddStub(Stub{Predicates: predicates, Responses: []ResponseConfig{saved}})
	}
	return pr.stubs.AddStubBefore(Stub{Predicates: predicates, Responses: []ResponseConfig{saved}}, stubID)
}

// GeneratePredicates builds the predicates identifying request for a recording
func (pr *ProxyRecorder) GeneratePredicates(request *Request, generators []PredicateGenerator) ([]Predicate, error) {
	requestMap := requestObject(request)
	predicates := make([]Predicate, 0, len(generators))

	for _, generator := range generators {
		if generator.Inject != "" {
			generated, err := pr.injector.GeneratePredicates(generator.Inject, request, pr.state, pr.logger)
			if err != nil {
				return nil, err
			}
			predicates = append(predicates, generated...)
			continue
		}
		predicates = append(predicates, predicatesFor(generator, requestMap)...)
	}
	return predicates, nil
}

// predicatesFor applies one generator: fields marked true compare with deepEquals,
// nested selections with equals, unless the generator names its own operator
func predicatesFor(generator PredicateGenerator, requestMap map[string]interface{}) []Predicate {
	base := Predicate{
		CaseSensitive:    generator.CaseSensitive,
		KeyCaseSensitive: generator.KeyCaseSensitive,
		Except:           generator.Except,
		JSONPath:         generator.JSONPath,
		XPath:            generator.XPath,
	}

	deep := make(map[string]interface{})
	equals := make(map[string]interface{})
	for field, selection := range generator.Matches {
		value, ok := getCaseInsensitive(requestMap, field)
		if !ok {
			continue
		}
		value = util.CloneValue(value)
		value = ignoreFields(value, ignoreFor(generator.Ignore, field))
		value = selectForGenerator(value, generator)

		if selection == true && generator.JSONPath == nil && generator.XPath == nil {
			deep[field] = value
			continue
		}
		if nested, ok := selection.(map[string]interface{}); ok {
			equals[field] = valuesFor(nested, value)
			continue
		}
		equals[field] = value
	}

	if generator.PredicateOperator != "" {
		merged := make(map[string]interface{}, len(deep)+len(equals))
		for key, value := range deep {
			merged[key] = value
		}
		for key, value := range equals {
			merged[key] = value
		}
		predicate := base
		setOperator(&predicate, generator.PredicateOperator, merged)
		return []Predicate{predicate}
	}

	var result []Predicate
	if len(deep) > 0 {
		predicate := base
		predicate.DeepEquals = deep
		result = append(result, predicate)
	}
	if len(equals) > 0 {
		predicate := base
		predicate.Equals = equals
		result = append(result, predicate)
	}
	return result
}

// valuesFor keeps only the sub-fields a nested matches block selects
func valuesFor(selection map[string]interface{}, value interface{}) interface{} {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return value
	}
	result := make(map[string]interface{})
	for key, sub := range selection {
		actual, ok := getCaseInsensitive(obj, key)
		if !ok {
			continue
		}
		if nested, ok := sub.(map[string]interface{}); ok {
			result[key] = valuesFor(nested, actual)
			continue
		}
		result[key] = actual
	}
	return result
}

func ignoreFor(ignore interface{}, field string) interface{} {
	obj, ok := ignore.(map[string]interface{})
	if !ok {
		return nil
	}
	value, _ := getCaseInsensitive(obj, field)
	return value
}

// ignoreFields drops keys named by an ignore entry: a key, a list of keys, or a
// nested object of the same shape
func ignoreFields(value interface{}, ignore interface{}) interface{} {
	obj, ok := value.(map[string]interface{})
	if !ok || ignore == nil {
		return value
	}
	switch rule := ignore.(type) {
	case string:
		deleteCaseInsensitive(obj, rule)
	case []interface{}:
		for _, item := range rule {
			if key, ok := item.(string); ok {
				deleteCaseInsensitive(obj, key)
			}
		}
	case map[string]interface{}:
		for key, sub := range rule {
			if nested, ok := getCaseInsensitive(obj, key); ok {
				obj[key] = ignoreFields(nested, sub)
			}
		}
	}
	return obj
}

func deleteCaseInsensitive(obj map[string]interface{}, key string) {
	for candidate := range obj {
		if strings.EqualFold(candidate, key) {
			delete(obj, candidate)
		}
	}
}

// selectForGenerator narrows a string field with the generator's selector
func selectForGenerator(value interface{}, generator PredicateGenerator) interface{} {
	text, ok := value.(string)
	if !ok {
		return value
	}
	if generator.JSONPath != nil {
		if selected, ok := selectJSONPath(generator.JSONPath.Selector, text); ok {
			return selected
		}
		return ""
	}
	if generator.XPath != nil {
		values, err := selectXPath(generator.XPath.Selector, generator.XPath.NS, text)
		if err != nil || len(values) == 0 {
			return ""
		}
		return values[0]
	}
	return value
}

func setOperator(predicate *Predicate, operator string, value interface{}) {
	switch operator {
	case "deepEquals":
		predicate.DeepEquals = value
	case "contains":
		predicate.Contains = value
	case "startsWith":
		predicate.StartsWith = value
	case "endsWith":
		predicate.EndsWith = value
	case "matches":
		predicate.Matches = value
	case "exists":
		predicate.Exists = value
	default:
		predicate.Equals = value
	}
}

func describeRequest(request *Request) string {
	if request.IsHTTP() {
		return request.Method + " " + request.Path
	}
	return request.Protocol + " request"
}
