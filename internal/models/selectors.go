package models

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/oliveagle/jsonpath"
)

var regexCache sync.Map

// compileRegex compiles and caches a pattern
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// regexWithFlags prefixes the pattern with Go inline flags
func regexWithFlags(pattern string, ignoreCase, multiline bool) (*regexp.Regexp, error) {
	flags := ""
	if ignoreCase {
		flags += "i"
	}
	if multiline {
		flags += "m"
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return compileRegex(pattern)
}

// parseJSON parses text as a JSON document
func parseJSON(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// selectJSONPath returns the values matched by selector, unwrapping single results
func selectJSONPath(selector, text string) (interface{}, bool) {
	doc, ok := parseJSON(text)
	if !ok {
		return nil, false
	}
	result, err := jsonpath.JsonPathLookup(doc, selector)
	if err != nil || result == nil {
		return nil, false
	}
	if list, ok := result.([]interface{}); ok {
		switch len(list) {
		case 0:
			return nil, false
		case 1:
			return scalarToString(list[0]), true
		}
		values := make([]interface{}, len(list))
		for i, item := range list {
			values[i] = scalarToString(item)
		}
		return values, true
	}
	return scalarToString(result), true
}

func scalarToString(value interface{}) interface{} {
	switch value.(type) {
	case map[string]interface{}, []interface{}:
		return value
	}
	return util.Stringify(value)
}

// selectXPath evaluates selector against an XML document and returns the string
// value of every matching node
func selectXPath(selector string, ns map[string]string, text string) ([]string, error) {
	expr, err := compileXPath(selector, ns)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "<") {
		return nil, nil
	}
	doc, err := xmlquery.Parse(strings.NewReader(trimmed))
	if err != nil {
		return nil, nil
	}

	switch result := expr.Evaluate(xmlquery.CreateXPathNavigator(doc)).(type) {
	case *xpath.NodeIterator:
		var values []string
		for result.MoveNext() {
			values = append(values, result.Current().Value())
		}
		return values, nil
	case float64:
		return []string{util.FormatNumber(result)}, nil
	case bool:
		return []string{util.Stringify(result)}, nil
	case string:
		return []string{result}, nil
	}
	return nil, nil
}

func compileXPath(selector string, ns map[string]string) (*xpath.Expr, error) {
	var (
		expr *xpath.Expr
		err  error
	)
	if len(ns) > 0 {
		expr, err = xpath.CompileWithNS(selector, ns)
	} else {
		expr, err = xpath.Compile(selector)
	}
	if err != nil {
		return nil, util.NewValidationError("malformed xpath predicate", selector)
	}
	return expr, nil
}

// xmlToValue converts an XML document into nested maps so structured predicates
// can compare against it
func xmlToValue(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "<") {
		return nil, false
	}
	doc, err := xmlquery.Parse(strings.NewReader(trimmed))
	if err != nil {
		return nil, false
	}
	result := make(map[string]interface{})
	for child := doc.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			addXMLChild(result, child)
		}
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func xmlNodeValue(node *xmlquery.Node) interface{} {
	fields := make(map[string]interface{})
	for _, attr := range node.Attr {
		fields[attr.Name.Local] = attr.Value
	}
	hasElements := false
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			hasElements = true
			addXMLChild(fields, child)
		}
	}
	if !hasElements && len(fields) == 0 {
		return strings.TrimSpace(node.InnerText())
	}
	return fields
}

func addXMLChild(parent map[string]interface{}, child *xmlquery.Node) {
	name := child.Data
	value := xmlNodeValue(child)
	if existing, ok := parent[name]; ok {
		if list, ok := existing.([]interface{}); ok {
			parent[name] = append(list, value)
		} else {
			parent[name] = []interface{}{existing, value}
		}
		return
	}
	parent[name] = value
}

// selectValues applies a copy/lookup selector to a request field and returns the
// extracted values; regex selectors return the full match followed by capture groups
func selectValues(selector *Selector, text string, logger *util.Logger) []string {
	if selector == nil {
		return []string{text}
	}

	switch selector.Method {
	case "regex":
		ignoreCase, multiline := false, false
		if selector.Options != nil {
			ignoreCase, multiline = selector.Options.IgnoreCase, selector.Options.Multiline
		}
		re, err := regexWithFlags(selector.Selector, ignoreCase, multiline)
		if err != nil {
			if logger != nil {
				logger.Warnf("invalid regex selector %q: %v", selector.Selector, err)
			}
			return nil
		}
		return re.FindStringSubmatch(text)
	case "xpath":
		values, err := selectXPath(selector.Selector, selector.NS, text)
		if err != nil && logger != nil {
			logger.Warnf("invalid xpath selector %q: %v", selector.Selector, err)
		}
		return values
	case "jsonpath":
		result, ok := selectJSONPath(selector.Selector, text)
		if !ok {
			return nil
		}
		if list, ok := result.([]interface{}); ok {
			values := make([]string, len(list))
			for i, item := range list {
				values[i] = util.Stringify(item)
			}
			return values
		}
		return []string{util.Stringify(result)}
	}
	return nil
}
