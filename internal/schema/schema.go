// Package schema validates tool arguments and results against the JSON Schema
// subset tool definitions use: type, properties, required, enum, items,
// minimum/maximum, minLength/maxLength, additionalProperties=false and the
// formats email, date, date-time and phone.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ValidationError describes the first schema violation found.
type ValidationError struct {
	Path    string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Schema is a parsed schema document.
type Schema map[string]interface{}

// Parse decodes a raw schema. An empty document accepts anything.
func Parse(raw json.RawMessage) (Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Schema{}, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}

// Validate checks value (as produced by encoding/json) against raw.
func Validate(raw json.RawMessage, value interface{}) error {
	s, err := Parse(raw)
	if err != nil {
		return err
	}
	return s.Validate(value)
}

// ValidateJSON decodes data and validates it against raw.
func ValidateJSON(raw json.RawMessage, data json.RawMessage) error {
	var v interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return &ValidationError{Message: "result is not valid JSON"}
		}
	}
	return Validate(raw, v)
}

// Validate checks value against s.
func (s Schema) Validate(value interface{}) error {
	return validate("", map[string]interface{}(s), value)
}

var phoneRe = regexp.MustCompile(`^\+?[0-9 ().-]{7,20}$`)

func validate(path string, s map[string]interface{}, v interface{}) error {
	if len(s) == 0 {
		return nil
	}
	if t, ok := s["type"].(string); ok && t != "" {
		if !isType(v, t) {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("expected type %s, got %s", t, jsonType(v))}
		}
	}

	if enum, ok := s["enum"].([]interface{}); ok {
		found := false
		for _, e := range enum {
			if fmt.Sprint(e) == fmt.Sprint(v) {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("value not in enum %v", enum)}
		}
	}

	switch x := v.(type) {
	case string:
		if n, ok := number(s["minLength"]); ok && float64(len(x)) < n {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("shorter than %v", n)}
		}
		if n, ok := number(s["maxLength"]); ok && float64(len(x)) > n {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("longer than %v", n)}
		}
		if f, ok := s["format"].(string); ok {
			if err := checkFormat(f, x); err != "" {
				return &ValidationError{Path: path, Value: v, Message: err}
			}
		}
	case float64:
		if n, ok := number(s["minimum"]); ok && x < n {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("less than minimum %v", n)}
		}
		if n, ok := number(s["maximum"]); ok && x > n {
			return &ValidationError{Path: path, Value: v, Message: fmt.Sprintf("greater than maximum %v", n)}
		}
	case map[string]interface{}:
		return validateObject(path, s, x)
	case []interface{}:
		items, _ := s["items"].(map[string]interface{})
		for i, item := range x {
			if err := validate(fmt.Sprintf("%s[%d]", path, i), items, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateObject(path string, s map[string]interface{}, obj map[string]interface{}) error {
	required, _ := s["required"].([]interface{})
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if val, exists := obj[name]; !exists || val == nil {
			return &ValidationError{Path: join(path, name), Message: "required field is missing"}
		}
	}

	props, _ := s["properties"].(map[string]interface{})
	closed := false
	if ap, ok := s["additionalProperties"].(bool); ok && !ap {
		closed = true
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ps, exists := props[k]
		if !exists {
			if closed {
				return &ValidationError{Path: join(path, k), Message: "unexpected field"}
			}
			continue
		}
		pm, _ := ps.(map[string]interface{})
		if err := validate(join(path, k), pm, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func checkFormat(format, v string) string {
	switch format {
	case "email":
		if _, err := mail.ParseAddress(v); err != nil || !strings.Contains(v, "@") {
			return "not a valid email address"
		}
	case "date":
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return "not a valid date (YYYY-MM-DD)"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return "not a valid RFC 3339 timestamp"
		}
	case "phone":
		if !phoneRe.MatchString(v) {
			return "not a valid phone number"
		}
	}
	return ""
}

func isType(v interface{}, t string) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "null":
		return v == nil
	}
	return true
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func number(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
