package models

import (
	"encoding/json"
	"strings"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// Response modes
const (
	ModeText   = "text"
	ModeBinary = "binary"
)

// Proxy recording modes
const (
	ProxyOnce        = "proxyOnce"
	ProxyAlways      = "proxyAlways"
	ProxyTransparent = "proxyTransparent"
)

// Request is the protocol-agnostic simplified view of an inbound call
type Request struct {
	Protocol    string                 `json:"protocol,omitempty"`
	RequestFrom string                 `json:"requestFrom,omitempty"`
	IP          string                 `json:"ip,omitempty"`
	Timestamp   string                 `json:"timestamp,omitempty"`

	// HTTP-specific fields
	Method  string                 `json:"method,omitempty"`
	Path    string                 `json:"path,omitempty"`
	Query   map[string]interface{} `json:"query,omitempty"`
	Headers map[string]interface{} `json:"headers,omitempty"`
	Body    string                 `json:"body,omitempty"`
	Form    map[string]interface{} `json:"form,omitempty"`

	// TCP-specific fields
	Data string `json:"data,omitempty"`

	// RawHeaders holds name/value pairs, Host first and the rest sorted by name,
	// keeping duplicate values
	RawHeaders []string `json:"-"`
	IsDryRun   bool     `json:"-"`
}

// Header returns the first value of a header, ignoring name case
func (r *Request) Header(name string) string {
	for key, value := range r.Headers {
		if !strings.EqualFold(key, name) {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		case []interface{}:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok {
					return s
				}
			}
		case []string:
			if len(v) > 0 {
				return v[0]
			}
		}
	}
	return ""
}

// IsHTTP reports whether the request came from an HTTP(S) imposter
func (r *Request) IsHTTP() bool {
	return r.Method != ""
}

// ToMap converts the request into the generic shape predicates and behaviors work on
func (r *Request) ToMap() map[string]interface{} {
	result := make(map[string]interface{})
	if r.RequestFrom != "" {
		result["requestFrom"] = r.RequestFrom
	}
	if r.IP != "" {
		result["ip"] = r.IP
	}
	if r.IsHTTP() {
		result["method"] = r.Method
		result["path"] = r.Path
		result["query"] = cloneOrEmpty(r.Query)
		result["headers"] = cloneOrEmpty(r.Headers)
		result["body"] = r.Body
		if r.Form != nil {
			result["form"] = cloneOrEmpty(r.Form)
		}
	} else {
		result["data"] = r.Data
	}
	return result
}

func cloneOrEmpty(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case []string:
			values := make([]interface{}, len(v))
			for i, s := range v {
				values[i] = s
			}
			result[key] = values
		case []interface{}:
			values := make([]interface{}, len(v))
			copy(values, v)
			result[key] = values
		default:
			result[key] = v
		}
	}
	return result
}

// Response is a resolved response handed back to the transport
type Response struct {
	// HTTP-specific fields
	StatusCode int                    `json:"statusCode,omitempty"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	Body       interface{}            `json:"body,omitempty"`

	// TCP-specific fields
	Data string `json:"data,omitempty"`

	Mode              string `json:"_mode,omitempty"`
	ProxyResponseTime *int   `json:"_proxyResponseTime,omitempty"`
	Fault             string `json:"fault,omitempty"`
	Blocked           bool   `json:"blocked,omitempty"`

	recordMatch func(*Response)
}

// IsBinary reports whether the body travels base64 encoded
func (r *Response) IsBinary() bool {
	return r.Mode == ModeBinary
}

// RecordMatch records the final response against the stub that produced it; only
// the first call has any effect
func (r *Response) RecordMatch() {
	if r.recordMatch != nil {
		r.recordMatch(r)
	}
}

// Clone deep copies the response, keeping its match recorder
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Headers = cloneHeaders(r.Headers)
	clone.Body = util.CloneValue(r.Body)
	if r.ProxyResponseTime != nil {
		ms := *r.ProxyResponseTime
		clone.ProxyResponseTime = &ms
	}
	return &clone
}

// ToMap converts the response to a generic map for extension code
func (r *Response) ToMap() map[string]interface{} {
	result := make(map[string]interface{})
	data, err := json.Marshal(r)
	if err != nil {
		return result
	}
	_ = json.Unmarshal(data, &result)
	if _, ok := result["headers"]; !ok {
		result["headers"] = map[string]interface{}{}
	}
	if _, ok := result["body"]; !ok && r.Data == "" {
		result["body"] = ""
	}
	return result
}

// ResponseFromMap converts a generic map (from JSON or extension code) back into a response
func ResponseFromMap(value interface{}) (*Response, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Predicate is one node of a predicate tree: a leaf operator or a combinator
type Predicate struct {
	Equals     interface{} `json:"equals,omitempty"`
	DeepEquals interface{} `json:"deepEquals,omitempty"`
	Contains   interface{} `json:"contains,omitempty"`
	StartsWith interface{} `json:"startsWith,omitempty"`
	EndsWith   interface{} `json:"endsWith,omitempty"`
	Matches    interface{} `json:"matches,omitempty"`
	Exists     interface{} `json:"exists,omitempty"`
	Not        *Predicate  `json:"not,omitempty"`
	Or         []Predicate `json:"or,omitempty"`
	And        []Predicate `json:"and,omitempty"`
	Inject     string      `json:"inject,omitempty"`

	CaseSensitive    bool            `json:"caseSensitive,omitempty"`
	KeyCaseSensitive bool            `json:"keyCaseSensitive,omitempty"`
	Except           string          `json:"except,omitempty"`
	XPath            *XPathConfig    `json:"xpath,omitempty"`
	JSONPath         *JSONPathConfig `json:"jsonpath,omitempty"`
}

// Operator returns the name of the predicate's operator
func (p *Predicate) Operator() string {
	switch {
	case p.Equals != nil:
		return "equals"
	case p.DeepEquals != nil:
		return "deepEquals"
	case p.Contains != nil:
		return "contains"
	case p.StartsWith != nil:
		return "startsWith"
	case p.EndsWith != nil:
		return "endsWith"
	case p.Matches != nil:
		return "matches"
	case p.Exists != nil:
		return "exists"
	case p.Not != nil:
		return "not"
	case p.Or != nil:
		return "or"
	case p.And != nil:
		return "and"
	case p.Inject != "":
		return "inject"
	}
	return ""
}

// XPathConfig represents XPath selector configuration
type XPathConfig struct {
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
}

// JSONPathConfig represents JSONPath selector configuration
type JSONPathConfig struct {
	Selector string `json:"selector"`
}

// Behaviors is the decoded _behaviors block of a response
type Behaviors struct {
	Wait           interface{}      `json:"wait,omitempty"`
	Repeat         int              `json:"repeat,omitempty"`
	Copy           []CopyBehavior   `json:"copy,omitempty"`
	Lookup         []LookupBehavior `json:"lookup,omitempty"`
	ShellTransform ShellCommands    `json:"shellTransform,omitempty"`
	Decorate       string           `json:"decorate,omitempty"`
}

// IsEmpty reports whether no behavior is configured
func (b *Behaviors) IsEmpty() bool {
	return b == nil || (b.Wait == nil && len(b.Copy) == 0 && len(b.Lookup) == 0 &&
		len(b.ShellTransform) == 0 && b.Decorate == "")
}

// ShellCommands accepts either a single command or a list of commands
type ShellCommands []string

// UnmarshalJSON implements json.Unmarshaler
func (s *ShellCommands) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = ShellCommands{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// CopyBehavior copies a value from the request into response tokens
type CopyBehavior struct {
	From  interface{} `json:"from"`
	Into  string      `json:"into"`
	Using *Selector   `json:"using,omitempty"`
}

// Selector describes how to narrow a request field for copy and lookup
type Selector struct {
	Method   string            `json:"method"`
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
	Options  *SelectorOptions  `json:"options,omitempty"`
}

// SelectorOptions holds regex flags
type SelectorOptions struct {
	IgnoreCase bool `json:"ignoreCase,omitempty"`
	Multiline  bool `json:"multiline,omitempty"`
}

// LookupBehavior replaces tokens with a row looked up from a data source
type LookupBehavior struct {
	Key            LookupKey  `json:"key"`
	FromDataSource DataSource `json:"fromDataSource"`
	Into           string     `json:"into"`
}

// LookupKey selects the lookup key from the request
type LookupKey struct {
	From  interface{} `json:"from"`
	Using *Selector   `json:"using,omitempty"`
	Index int         `json:"index,omitempty"`
}

// DataSource represents a data source for lookup
type DataSource struct {
	CSV *CSVDataSource `json:"csv,omitempty"`
}

// CSVDataSource represents a CSV data source
type CSVDataSource struct {
	Path      string `json:"path"`
	KeyColumn string `json:"keyColumn"`
	Delimiter string `json:"delimiter,omitempty"`
}

// PredicateGenerator describes how to build predicates for recorded proxy responses
type PredicateGenerator struct {
	Matches           map[string]interface{} `json:"matches,omitempty"`
	CaseSensitive     bool                   `json:"caseSensitive,omitempty"`
	KeyCaseSensitive  bool                   `json:"keyCaseSensitive,omitempty"`
	Except            string                 `json:"except,omitempty"`
	XPath             *XPathConfig           `json:"xpath,omitempty"`
	JSONPath          *JSONPathConfig        `json:"jsonpath,omitempty"`
	Inject            string                 `json:"inject,omitempty"`
	Ignore            interface{}            `json:"ignore,omitempty"`
	PredicateOperator string                 `json:"predicateOperator,omitempty"`
}

// ProxyConfig represents proxy configuration
type ProxyConfig struct {
	To                  string               `json:"to"`
	Mode                string               `json:"mode,omitempty"`
	PredicateGenerators []PredicateGenerator `json:"predicateGenerators,omitempty"`
	AddWaitBehavior     bool                 `json:"addWaitBehavior,omitempty"`
	AddDecorateBehavior string               `json:"addDecorateBehavior,omitempty"`
	InjectHeaders       map[string]string    `json:"injectHeaders,omitempty"`
	Cert                string               `json:"cert,omitempty"`
	Key                 string               `json:"key,omitempty"`
}

// RecordingMode returns the configured mode, defaulting to proxyOnce
func (p *ProxyConfig) RecordingMode() string {
	if p.Mode == "" {
		return ProxyOnce
	}
	return p.Mode
}

// ResponseConfig is one entry of a stub's responses list
type ResponseConfig struct {
	Is     *Response    `json:"is,omitempty"`
	Proxy  *ProxyConfig `json:"proxy,omitempty"`
	Inject string       `json:"inject,omitempty"`
	Fault  string       `json:"fault,omitempty"`
	Repeat int          `json:"repeat,omitempty"`

	// Behaviors stays loosely typed until it passes schema validation
	Behaviors    interface{}   `json:"_behaviors,omitempty"`
	BehaviorList []interface{} `json:"behaviors,omitempty"`
}

// Kind returns "is", "proxy", "inject" or "fault"
func (rc *ResponseConfig) Kind() string {
	switch {
	case rc.Proxy != nil:
		return "proxy"
	case rc.Inject != "":
		return "inject"
	case rc.Fault != "":
		return "fault"
	}
	return "is"
}

// RawBehaviors merges the _behaviors object and the behaviors array into one block
func (rc *ResponseConfig) RawBehaviors() map[string]interface{} {
	if rc.Behaviors == nil && len(rc.BehaviorList) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	if block, ok := rc.Behaviors.(map[string]interface{}); ok {
		for key, value := range block {
			merged[key] = value
		}
	}
	for _, entry := range rc.BehaviorList {
		block, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key, value := range block {
			if existing, ok := merged[key].([]interface{}); ok {
				if more, ok := value.([]interface{}); ok {
					merged[key] = append(existing, more...)
					continue
				}
				merged[key] = append(existing, value)
				continue
			}
			merged[key] = value
		}
	}
	return merged
}

// DecodeBehaviors converts the raw behaviors block into its typed form
func (rc *ResponseConfig) DecodeBehaviors() (*Behaviors, error) {
	raw := rc.RawBehaviors()
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var behaviors Behaviors
	if err := json.Unmarshal(data, &behaviors); err != nil {
		return nil, err
	}
	return &behaviors, nil
}

// RepeatCount returns how many times the response is served before moving on
func (rc *ResponseConfig) RepeatCount() int {
	if rc.Repeat > 0 {
		return rc.Repeat
	}
	if raw := rc.RawBehaviors(); raw != nil {
		if n, ok := raw["repeat"].(float64); ok && n >= 1 {
			return int(n)
		}
		if n, ok := raw["repeat"].(int); ok && n >= 1 {
			return n
		}
	}
	return 1
}

// Match is one recorded request/response pair
type Match struct {
	Timestamp string    `json:"timestamp"`
	Request   *Request  `json:"request"`
	Response  *Response `json:"response"`
}

// Stub is the wire form of a stub
type Stub struct {
	ID         string           `json:"id,omitempty"`
	Predicates []Predicate      `json:"predicates,omitempty"`
	Responses  []ResponseConfig `json:"responses"`
	Matches    []Match          `json:"matches,omitempty"`
}

// ImposterConfig represents the configuration for creating an imposter
type ImposterConfig struct {
	Protocol        string    `json:"protocol"`
	Port            int       `json:"port,omitempty"`
	Name            string    `json:"name,omitempty"`
	RecordRequests  bool      `json:"recordRequests,omitempty"`
	Stubs           []Stub    `json:"stubs,omitempty"`
	DefaultResponse *Response `json:"defaultResponse,omitempty"`
	AllowCORS       bool      `json:"allowCORS,omitempty"`

	// HTTPS-specific
	Key        string `json:"key,omitempty"`
	Cert       string `json:"cert,omitempty"`
	MutualAuth bool   `json:"mutualAuth,omitempty"`

	// TCP-specific
	Mode string `json:"mode,omitempty"`

	Host string `json:"host,omitempty"`
}

// Encoding returns "base64" for binary imposters and "utf8" otherwise
func (c *ImposterConfig) Encoding() string {
	if c.Mode == ModeBinary {
		return "base64"
	}
	return "utf8"
}

func cloneHeaders(headers map[string]interface{}) map[string]interface{} {
	return util.CloneMap(headers)
}
