package util

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPVerifier(t *testing.T) {
	assert.True(t, NewIPVerifier(nil).IsAllowed("10.0.0.1:1234", nil))
	assert.True(t, NewIPVerifier([]string{"*"}).IsAllowed("10.0.0.1", nil))

	var nilVerifier *IPVerifier
	assert.True(t, nilVerifier.IsAllowed("10.0.0.1", nil))

	verifier := NewIPVerifier([]string{"127.0.0.1", "192.168.0.0/16", "10.1.*.*"})
	assert.True(t, verifier.IsAllowed("127.0.0.1:5000", nil))
	assert.True(t, verifier.IsAllowed("::ffff:127.0.0.1", nil))
	assert.True(t, verifier.IsAllowed("192.168.4.20", nil))
	assert.True(t, verifier.IsAllowed("10.1.2.3", nil))
	assert.False(t, verifier.IsAllowed("10.2.2.3", nil))
	assert.False(t, verifier.IsAllowed("[::1]:80", NewLoggerWithOptions(LogOptions{Level: "error", Output: io.Discard})))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "123", Stringify(float64(123)))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "7", Stringify(int64(7)))
	assert.Equal(t, "42", Stringify(json.Number("42")))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]interface{}{"a": 1}))
	assert.Equal(t, `["x"]`, Stringify([]interface{}{"x"}))
}

func TestCloneValueIsDeep(t *testing.T) {
	original := map[string]interface{}{
		"list":   []interface{}{"a"},
		"nested": map[string]interface{}{"key": "value"},
	}
	clone := CloneMap(original)
	clone["list"].([]interface{})[0] = "changed"
	clone["nested"].(map[string]interface{})["key"] = "changed"

	assert.Equal(t, "a", original["list"].([]interface{})[0])
	assert.Equal(t, "value", original["nested"].(map[string]interface{})["key"])
	assert.Nil(t, CloneMap(nil))
}

func TestToSlice(t *testing.T) {
	values, ok := ToSlice([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, values)

	_, ok = ToSlice("a")
	assert.False(t, ok)
}

func TestLoggerScopesShareHistory(t *testing.T) {
	var out bytes.Buffer
	root := NewLoggerWithOptions(LogOptions{Level: "info", Format: "json", Output: &out})
	scoped := root.WithScope("http:4545")

	root.Info("starting")
	scoped.Debug("hidden at info level")
	scoped.Warnf("slow request %d", 1)

	entries := root.GetEntries(0, -1)
	require.Len(t, entries, 2)
	assert.Equal(t, "starting", entries[0].Message)
	assert.Equal(t, "[http:4545] slow request 1", entries[1].Message)
	assert.Equal(t, "warning", entries[1].Level)
	assert.Equal(t, "http:4545", scoped.Scope())

	assert.Len(t, scoped.GetEntries(1, 5), 1)
	assert.Empty(t, root.GetEntries(3, 1))
	assert.Contains(t, out.String(), `"msg":"starting"`)
}
