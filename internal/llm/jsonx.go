package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON value can be recovered from the text.
var ErrNoJSON = errors.New("no JSON object found in model output")

// ExtractJSON recovers the first JSON object (or array) from model output.
// It accepts bare JSON, markdown-fenced JSON and JSON embedded in prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, ErrNoJSON
	}
	if json.Valid([]byte(s)) && (s[0] == '{' || s[0] == '[') {
		return json.RawMessage(s), nil
	}

	if body, ok := fenced(s); ok && json.Valid([]byte(body)) {
		return json.RawMessage(body), nil
	}

	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		if end := matchBracket(s, i); end > i {
			candidate := s[i : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, ErrNoJSON
}

// DecodeJSON extracts JSON from text and unmarshals it into v.
func DecodeJSON(text string, v interface{}) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func fenced(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// matchBracket returns the index of the bracket closing s[open], honoring
// string literals, or -1.
func matchBracket(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
