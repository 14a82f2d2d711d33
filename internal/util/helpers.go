package util

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/dop251/goja"
)

// IsUndefined checks if a goja value is undefined
func IsUndefined(val goja.Value) bool {
	return val == nil || goja.IsUndefined(val)
}

// IsNull checks if a goja value is null
func IsNull(val goja.Value) bool {
	return val == nil || goja.IsNull(val)
}

// CloneValue deep copies a JSON-shaped value (maps, slices and scalars)
func CloneValue(src interface{}) interface{} {
	switch v := src.(type) {
	case map[string]interface{}:
		dst := make(map[string]interface{}, len(v))
		for key, value := range v {
			dst[key] = CloneValue(value)
		}
		return dst
	case []interface{}:
		dst := make([]interface{}, len(v))
		for i, value := range v {
			dst[i] = CloneValue(value)
		}
		return dst
	case []string:
		dst := make([]string, len(v))
		copy(dst, v)
		return dst
	default:
		return v
	}
}

// CloneMap deep copies a map; nil stays nil
func CloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	return CloneValue(src).(map[string]interface{})
}

// IsObject reports whether v is a JSON object
func IsObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

// IsArray reports whether v is a JSON array
func IsArray(v interface{}) bool {
	switch v.(type) {
	case []interface{}, []string:
		return true
	}
	return false
}

// ToSlice widens typed slices to []interface{}
func ToSlice(v interface{}) ([]interface{}, bool) {
	switch arr := v.(type) {
	case []interface{}:
		return arr, true
	case []string:
		result := make([]interface{}, len(arr))
		for i, s := range arr {
			result[i] = s
		}
		return result, true
	}
	return nil, false
}

// Stringify renders a scalar the way JavaScript's String() would; objects and arrays
// are JSON encoded
func Stringify(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return FormatNumber(value)
	case float32:
		return FormatNumber(float64(value))
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	default:
		return fmt.Sprint(value)
	}
}

// FormatNumber prints whole numbers without a fraction, like JavaScript
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ToJSON converts an object to a JSON string
func ToJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Roundtrip converts between two JSON-compatible shapes (struct <-> map)
func Roundtrip(src interface{}, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Contains checks if a slice contains a value
func Contains(slice []string, value string) bool {
	for _, item := range slice {
		if item == value {
			return true
		}
	}
	return false
}
