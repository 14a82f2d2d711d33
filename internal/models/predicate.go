package models

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/mountebank-testing/mbengine/internal/util"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PredicateEvaluator evaluates predicates against requests
type PredicateEvaluator struct {
	encoding string
	logger   *util.Logger
	state    *ImposterState
	injector *Injector
}

// NewPredicateEvaluator creates a new predicate evaluator; encoding is "base64"
// for binary imposters and "utf8" otherwise
func NewPredicateEvaluator(encoding string, logger *util.Logger, state *ImposterState, injector *Injector) *PredicateEvaluator {
	if state == nil {
		state = NewImposterState()
	}
	return &PredicateEvaluator{
		encoding: encoding,
		logger:   logger,
		state:    state,
		injector: injector,
	}
}

type compareFn func(expected, actual interface{}) bool

type normalizeOptions struct {
	caseSensitive    bool
	keyCaseSensitive bool
	except           string
	withSelectors    bool
	forceStrings     bool
	keysOnly         bool
}

// Evaluate evaluates a predicate against a request
func (pe *PredicateEvaluator) Evaluate(predicate Predicate, request *Request) (bool, error) {
	switch predicate.Operator() {
	case "equals":
		return pe.evaluateLeaf(predicate, predicate.Equals, request, true, func(expected, actual interface{}) bool {
			return util.Stringify(actual) == util.Stringify(expected)
		})
	case "deepEquals":
		return pe.evaluateDeepEquals(predicate, request)
	case "contains":
		return pe.evaluateLeaf(predicate, predicate.Contains, request, true, func(expected, actual interface{}) bool {
			return strings.Contains(util.Stringify(actual), util.Stringify(expected))
		})
	case "startsWith":
		return pe.evaluateLeaf(predicate, predicate.StartsWith, request, true, func(expected, actual interface{}) bool {
			return strings.HasPrefix(util.Stringify(actual), util.Stringify(expected))
		})
	case "endsWith":
		return pe.evaluateLeaf(predicate, predicate.EndsWith, request, true, func(expected, actual interface{}) bool {
			return strings.HasSuffix(util.Stringify(actual), util.Stringify(expected))
		})
	case "matches":
		return pe.evaluateMatches(predicate, request)
	case "exists":
		return pe.evaluateLeaf(predicate, predicate.Exists, request, false, func(expected, actual interface{}) bool {
			shouldExist := util.Stringify(expected) == "true"
			exists := actual != nil && util.Stringify(actual) != ""
			return shouldExist == exists
		})
	case "not":
		matched, err := pe.Evaluate(*predicate.Not, request)
		return !matched && err == nil, err
	case "or":
		for _, child := range predicate.Or {
			matched, err := pe.Evaluate(child, request)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case "and":
		for _, child := range predicate.And {
			matched, err := pe.Evaluate(child, request)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil
	case "inject":
		return pe.evaluateInject(predicate, request)
	}
	return false, util.NewValidationError("missing predicate", predicate)
}

// EvaluateAll reports whether every predicate matches; all predicates run even
// after one fails so inject side effects stay consistent
func (pe *PredicateEvaluator) EvaluateAll(predicates []Predicate, request *Request) (bool, error) {
	matched := true
	for _, predicate := range predicates {
		ok, err := pe.Evaluate(predicate, request)
		if err != nil {
			return false, err
		}
		matched = matched && ok
	}
	return matched, nil
}

func (pe *PredicateEvaluator) options(predicate Predicate) normalizeOptions {
	return normalizeOptions{
		caseSensitive:    predicate.CaseSensitive,
		keyCaseSensitive: predicate.KeyCaseSensitive,
		except:           predicate.Except,
	}
}

func (pe *PredicateEvaluator) evaluateLeaf(predicate Predicate, expectedValue interface{}, request *Request, forceStrings bool, fn compareFn) (bool, error) {
	opts := pe.options(predicate)
	opts.forceStrings = forceStrings

	expected, err := pe.normalize(expectedValue, predicate, opts)
	if err != nil {
		return false, err
	}
	opts.withSelectors = true
	actual, err := pe.normalize(request.ToMap(), predicate, opts)
	if err != nil {
		return false, err
	}
	return pe.predicateSatisfied(expected, actual, predicate, opts, fn), nil
}

func (pe *PredicateEvaluator) evaluateMatches(predicate Predicate, request *Request) (bool, error) {
	if pe.encoding == "base64" {
		return false, util.NewValidationError("the matches predicate is not allowed in binary mode", predicate)
	}

	// regex flags handle value case; only keys get folded
	expectedOpts := normalizeOptions{caseSensitive: true, keyCaseSensitive: predicate.KeyCaseSensitive, forceStrings: true}
	expected, err := pe.normalize(predicate.Matches, predicate, expectedOpts)
	if err != nil {
		return false, err
	}
	actualOpts := expectedOpts
	actualOpts.except = predicate.Except
	actualOpts.withSelectors = true
	actual, err := pe.normalize(request.ToMap(), predicate, actualOpts)
	if err != nil {
		return false, err
	}

	var regexErr error
	matched := pe.predicateSatisfied(expected, actual, predicate, actualOpts, func(expected, actual interface{}) bool {
		re, err := regexWithFlags(util.Stringify(expected), !predicate.CaseSensitive, false)
		if err != nil {
			if regexErr == nil {
				regexErr = util.NewValidationError("invalid regular expression in matches predicate", predicate)
			}
			return false
		}
		return re.MatchString(util.Stringify(actual))
	})
	if regexErr != nil {
		return false, regexErr
	}
	return matched, nil
}

// evaluateDeepEquals compares each top-level field structurally: leaves are forced
// to strings, arrays compare order-independent and key sets must match exactly
func (pe *PredicateEvaluator) evaluateDeepEquals(predicate Predicate, request *Request) (bool, error) {
	opts := pe.options(predicate)
	opts.forceStrings = true

	expected, err := pe.normalize(predicate.DeepEquals, predicate, opts)
	if err != nil {
		return false, err
	}
	opts.withSelectors = true
	actual, err := pe.normalize(request.ToMap(), predicate, opts)
	if err != nil {
		return false, err
	}

	expectedMap, ok := expected.(map[string]interface{})
	if !ok {
		return canonical(expected) == canonical(actual), nil
	}
	actualMap, _ := actual.(map[string]interface{})

	for field, expectedValue := range expectedMap {
		actualValue := actualMap[field]
		if isStructured(expectedValue) {
			if text, ok := actualValue.(string); ok {
				if parsed, ok := pe.parseStructured(text, opts); ok {
					actualValue = parsed
				}
			}
		}
		if canonical(expectedValue) != canonical(actualValue) {
			return false, nil
		}
	}
	return true, nil
}

func (pe *PredicateEvaluator) evaluateInject(predicate Predicate, request *Request) (bool, error) {
	if request.IsDryRun {
		return true, nil
	}
	return pe.injector.Predicate(predicate.Inject, request, pe.state, pe.logger)
}

// predicateSatisfied walks the expected object; a string actual is parsed as JSON
// or XML when the expected side is structured
func (pe *PredicateEvaluator) predicateSatisfied(expected, actual interface{}, predicate Predicate, opts normalizeOptions, fn compareFn) bool {
	expectedMap, ok := expected.(map[string]interface{})
	if !ok {
		return pe.fieldSatisfied(expected, actual, predicate, opts, fn)
	}

	if text, ok := actual.(string); ok {
		parsed, ok := pe.parseStructured(text, opts)
		if !ok {
			return false
		}
		actual = parsed
	}
	actualMap, ok := actual.(map[string]interface{})
	if !ok {
		if actual != nil {
			return false
		}
		actualMap = map[string]interface{}{}
	}

	for field, expectedValue := range expectedMap {
		if !pe.fieldSatisfied(expectedValue, actualMap[field], predicate, opts, fn) {
			return false
		}
	}
	return true
}

func (pe *PredicateEvaluator) fieldSatisfied(expected, actual interface{}, predicate Predicate, opts normalizeOptions, fn compareFn) bool {
	switch exp := expected.(type) {
	case map[string]interface{}:
		return pe.predicateSatisfied(exp, actual, predicate, opts, fn)
	case []interface{}:
		if text, ok := actual.(string); ok {
			if parsed, ok := pe.parseStructured(text, opts); ok {
				actual = parsed
			}
		}
		actuals, ok := actual.([]interface{})
		if !ok {
			actuals = []interface{}{actual}
		}
		for _, expectedItem := range exp {
			found := false
			for _, actualItem := range actuals {
				if pe.fieldSatisfied(expectedItem, actualItem, predicate, opts, fn) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}

	if actuals, ok := actual.([]interface{}); ok {
		if len(actuals) == 0 {
			return fn(expected, nil)
		}
		for _, actualItem := range actuals {
			if fn(expected, actualItem) {
				return true
			}
		}
		return false
	}
	return fn(expected, actual)
}

// parseStructured parses a JSON or XML string into generic values and normalizes
// its keys the way the rest of the request was normalized
func (pe *PredicateEvaluator) parseStructured(text string, opts normalizeOptions) (interface{}, bool) {
	parsed, ok := parseJSON(text)
	if !ok {
		parsed, ok = xmlToValue(text)
	}
	if !ok {
		return nil, false
	}
	keyOpts := opts
	keyOpts.keysOnly = true
	keyOpts.withSelectors = false
	result, err := pe.normalize(parsed, Predicate{}, keyOpts)
	if err != nil {
		return nil, false
	}
	return result, true
}

// normalize applies, in order: selector extraction, except stripping, case folding
// and key folding. Binary payloads are base64 decoded before any text transform.
func (pe *PredicateEvaluator) normalize(value interface{}, predicate Predicate, opts normalizeOptions) (interface{}, error) {
	if opts.withSelectors {
		selected, err := pe.selectFields(value, predicate)
		if err != nil {
			return nil, err
		}
		value = selected
	}

	var except *regexp.Regexp
	if opts.except != "" && !opts.keysOnly {
		re, err := regexWithFlags(opts.except, !opts.caseSensitive, false)
		if err != nil {
			return nil, util.NewValidationError("invalid except regular expression", opts.except)
		}
		except = re
	}

	folder := cases.Lower(language.Und)
	var transform func(value interface{}) interface{}
	transform = func(value interface{}) interface{} {
		switch v := value.(type) {
		case map[string]interface{}:
			result := make(map[string]interface{}, len(v))
			for key, item := range v {
				if !opts.keyCaseSensitive {
					key = folder.String(key)
				}
				result[key] = transform(item)
			}
			return result
		case []interface{}:
			result := make([]interface{}, len(v))
			for i, item := range v {
				result[i] = transform(item)
			}
			return result
		case []string:
			result := make([]interface{}, len(v))
			for i, item := range v {
				result[i] = transform(item)
			}
			return result
		case string:
			if opts.keysOnly {
				return v
			}
			// decode first so except and folding see the text
			if pe.encoding == "base64" {
				if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
					v = string(decoded)
				}
			}
			if except != nil {
				v = except.ReplaceAllString(v, "")
			}
			if !opts.caseSensitive {
				v = folder.String(v)
			}
			return v
		case nil:
			return nil
		case bool:
			if opts.forceStrings {
				return util.Stringify(v)
			}
			return v
		case float64, float32, int, int64, json.Number:
			if opts.forceStrings {
				return util.Stringify(v)
			}
			return v
		}
		return value
	}
	return transform(value), nil
}

// selectFields narrows every leaf of the request with the predicate's jsonpath or
// xpath selector; leaves the selector does not match are dropped
func (pe *PredicateEvaluator) selectFields(value interface{}, predicate Predicate) (interface{}, error) {
	if predicate.JSONPath == nil && predicate.XPath == nil {
		return value, nil
	}

	switch v := value.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, item := range v {
			selected, err := pe.selectFields(item, predicate)
			if err != nil {
				return nil, err
			}
			if selected != nil {
				result[key] = selected
			}
		}
		return result, nil
	case []interface{}:
		var result []interface{}
		for _, item := range v {
			selected, err := pe.selectFields(item, predicate)
			if err != nil {
				return nil, err
			}
			if selected != nil {
				result = append(result, selected)
			}
		}
		if len(result) == 0 {
			return nil, nil
		}
		return result, nil
	case string:
		if predicate.JSONPath != nil {
			selected, ok := selectJSONPath(predicate.JSONPath.Selector, v)
			if !ok {
				return nil, nil
			}
			return selected, nil
		}
		values, err := selectXPath(predicate.XPath.Selector, predicate.XPath.NS, v)
		if err != nil {
			return nil, err
		}
		switch len(values) {
		case 0:
			return nil, nil
		case 1:
			return values[0], nil
		}
		result := make([]interface{}, len(values))
		for i, item := range values {
			result[i] = item
		}
		return result, nil
	}
	return nil, nil
}

func isStructured(value interface{}) bool {
	return util.IsObject(value) || util.IsArray(value)
}

// canonical renders a value with sorted keys and sorted array elements so two
// structurally equal values produce the same text; missing values render as ""
func canonical(value interface{}) string {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, key := range keys {
			name, _ := json.Marshal(key)
			parts[i] = string(name) + ":" + canonical(v[key])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = canonical(item)
		}
		sort.Strings(parts)
		return "[" + strings.Join(parts, ",") + "]"
	}
	text, _ := json.Marshal(util.Stringify(value))
	return string(text)
}
