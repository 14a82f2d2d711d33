package models

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
	"golang.org/x/sync/errgroup"
)

// BehaviorExecutor post-processes a chosen response. Stages always run in the
// order wait, lookup, copy, shellTransform, decorate, regardless of how the
// behaviors block was written.
type BehaviorExecutor struct {
	logger   *util.Logger
	state    *ImposterState
	injector *Injector
	csv      *CSVCache
	shell    *ShellRunner
}

// NewBehaviorExecutor creates a new behavior executor
func NewBehaviorExecutor(logger *util.Logger, state *ImposterState, injector *Injector, csv *CSVCache) *BehaviorExecutor {
	if state == nil {
		state = NewImposterState()
	}
	return &BehaviorExecutor{
		logger:   logger,
		state:    state,
		injector: injector,
		csv:      csv,
		shell:    NewShellRunner(logger),
	}
}

// Execute runs every configured behavior against response
func (be *BehaviorExecutor) Execute(ctx context.Context, request *Request, response *Response, behaviors *Behaviors) (*Response, error) {
	if behaviors.IsEmpty() {
		return response, nil
	}

	result := response
	var err error

	if behaviors.Wait != nil && !request.IsDryRun {
		if err = be.executeWait(ctx, behaviors.Wait); err != nil {
			return nil, err
		}
	}
	if len(behaviors.Lookup) > 0 {
		if result, err = be.executeLookup(ctx, request, result, behaviors.Lookup); err != nil {
			return nil, err
		}
	}
	if len(behaviors.Copy) > 0 {
		if result, err = be.executeCopy(request, result, behaviors.Copy); err != nil {
			return nil, err
		}
	}
	if len(behaviors.ShellTransform) > 0 && !request.IsDryRun {
		if result, err = be.shell.Transform(ctx, request, result, behaviors.ShellTransform); err != nil {
			return nil, err
		}
	}
	if behaviors.Decorate != "" && !request.IsDryRun {
		if result, err = be.injector.Decorate(behaviors.Decorate, request, result, be.state, be.logger); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// executeWait delays the response by a fixed number of milliseconds or by the
// number returned from a wait function
func (be *BehaviorExecutor) executeWait(ctx context.Context, wait interface{}) error {
	var ms int
	switch value := wait.(type) {
	case float64:
		ms = int(value)
	case int:
		ms = value
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			ms = n
			break
		}
		n, err := be.injector.Wait(value, be.state, be.logger)
		if err != nil {
			return err
		}
		ms = n
	default:
		return util.NewValidationError("wait behavior \"wait\" field must be an integer greater than or equal to 0 or a function", wait)
	}
	if ms <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeCopy copies request values into the response tokens
func (be *BehaviorExecutor) executeCopy(request *Request, response *Response, copies []CopyBehavior) (*Response, error) {
	requestMap := requestObject(request)
	replacements := make([]tokenReplacement, 0, len(copies))

	for _, copyConfig := range copies {
		text, ok := fieldText(requestMap, copyConfig.From)
		if !ok {
			be.logger.Debugf("copy: no request value for %s", util.ToJSON(copyConfig.From))
			continue
		}
		values := selectValues(copyConfig.Using, text, be.logger)
		if len(values) == 0 {
			be.logger.Debugf("copy: selector found no match for %s", copyConfig.Into)
			continue
		}
		replacements = append(replacements, indexedReplacement(copyConfig.Into, values, copyConfig.Using))
	}

	return applyReplacements(response, replacements)
}

// executeLookup reads one row per lookup entry and substitutes its columns; the
// entries are independent so their data sources are read concurrently
func (be *BehaviorExecutor) executeLookup(ctx context.Context, request *Request, response *Response, lookups []LookupBehavior) (*Response, error) {
	requestMap := requestObject(request)
	rows := make([]map[string]string, len(lookups))

	group, _ := errgroup.WithContext(ctx)
	for i := range lookups {
		i := i
		group.Go(func() error {
			rows[i] = be.lookupRow(requestMap, lookups[i])
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	replacements := make([]tokenReplacement, 0, len(lookups))
	for i, lookup := range lookups {
		if len(rows[i]) == 0 {
			continue
		}
		replacements = append(replacements, keyedReplacement(lookup.Into, rows[i]))
	}
	return applyReplacements(response, replacements)
}

func (be *BehaviorExecutor) lookupRow(requestMap map[string]interface{}, lookup LookupBehavior) map[string]string {
	text, ok := fieldText(requestMap, lookup.Key.From)
	if !ok {
		be.logger.Debugf("lookup: no request value for %s", util.ToJSON(lookup.Key.From))
		return nil
	}
	values := selectValues(lookup.Key.Using, text, be.logger)
	if lookup.Key.Index < 0 || lookup.Key.Index >= len(values) {
		be.logger.Debugf("lookup: no key at index %d", lookup.Key.Index)
		return nil
	}
	key := values[lookup.Key.Index]

	source := lookup.FromDataSource.CSV
	if source == nil || be.csv == nil {
		be.logger.Warn("lookup: only csv data sources are supported")
		return nil
	}
	row, err := be.csv.Row(source.Path, source.KeyColumn, source.Delimiter, key)
	if err != nil {
		be.logger.Warnf("lookup: %v", err)
		return nil
	}
	return row
}

// fieldText resolves a copy/lookup "from" against the request: a field name, a
// dotted path, or a nested object such as {"query": "name"}; multi-valued fields
// yield their first value and objects their JSON text
func fieldText(requestMap map[string]interface{}, from interface{}) (string, bool) {
	value, ok := fieldValue(requestMap, from)
	if !ok || value == nil {
		return "", false
	}
	if list, ok := util.ToSlice(value); ok {
		if len(list) == 0 {
			return "", false
		}
		value = list[0]
	}
	return util.Stringify(value), true
}

func fieldValue(obj map[string]interface{}, from interface{}) (interface{}, bool) {
	switch f := from.(type) {
	case string:
		if value, ok := getCaseInsensitive(obj, f); ok {
			return value, true
		}
		var current interface{} = obj
		for _, part := range strings.Split(f, ".") {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			if current, ok = getCaseInsensitive(m, part); !ok {
				return nil, false
			}
		}
		return current, true
	case map[string]interface{}:
		for key, sub := range f {
			value, ok := getCaseInsensitive(obj, key)
			if !ok {
				return nil, false
			}
			nested, ok := value.(map[string]interface{})
			if !ok {
				if text, isText := value.(string); isText {
					if parsed, isJSON := parseJSON(text); isJSON {
						nested, ok = parsed.(map[string]interface{})
					}
				}
				if !ok {
					return nil, false
				}
			}
			return fieldValue(nested, sub)
		}
	}
	return nil, false
}

func getCaseInsensitive(obj map[string]interface{}, key string) (interface{}, bool) {
	if value, ok := obj[key]; ok {
		return value, true
	}
	for candidate, value := range obj {
		if strings.EqualFold(candidate, key) {
			return value, true
		}
	}
	return nil, false
}

// tokenReplacement maps literal token text to its replacement; tokens are applied
// longest first so TOKEN[0] is never clobbered by TOKEN
type tokenReplacement []struct {
	token string
	value string
}

func (r *tokenReplacement) add(token, value string) {
	*r = append(*r, struct {
		token string
		value string
	}{token, value})
}

// indexedReplacement builds TOKEN[i] forms for every value plus the bare TOKEN,
// which for regex selectors means the first capture group when there is one
func indexedReplacement(into string, values []string, using *Selector) tokenReplacement {
	var r tokenReplacement
	for i, value := range values {
		r.add(fmt.Sprintf("%s[%d]", into, i), value)
	}
	bare := values[0]
	if using != nil && using.Method == "regex" && len(values) > 1 {
		bare = values[1]
	}
	r.add(into, bare)
	return r
}

// keyedReplacement builds TOKEN["col"], TOKEN['col'] and TOKEN[col] forms
func keyedReplacement(into string, row map[string]string) tokenReplacement {
	var r tokenReplacement
	for column, value := range row {
		r.add(fmt.Sprintf(`%s["%s"]`, into, column), value)
		r.add(fmt.Sprintf(`%s['%s']`, into, column), value)
		r.add(fmt.Sprintf(`%s[%s]`, into, column), value)
	}
	return r
}

// applyReplacements substitutes tokens across every string in the response,
// recursing through nested bodies and headers
func applyReplacements(response *Response, replacements []tokenReplacement) (*Response, error) {
	if len(replacements) == 0 {
		return response, nil
	}

	var all tokenReplacement
	for _, r := range replacements {
		all = append(all, r...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return len(all[i].token) > len(all[j].token)
	})
	pairs := make([]string, 0, len(all)*2)
	for _, item := range all {
		pairs = append(pairs, item.token, item.value)
	}
	replacer := strings.NewReplacer(pairs...)

	var replace func(value interface{}) interface{}
	replace = func(value interface{}) interface{} {
		switch v := value.(type) {
		case string:
			return replacer.Replace(v)
		case map[string]interface{}:
			for key, item := range v {
				v[key] = replace(item)
			}
			return v
		case []interface{}:
			for i, item := range v {
				v[i] = replace(item)
			}
			return v
		}
		return value
	}

	result := response.Clone()
	for key, value := range result.Headers {
		result.Headers[key] = replace(value)
	}
	result.Body = replace(result.Body)
	result.Data = replacer.Replace(result.Data)
	return result, nil
}
