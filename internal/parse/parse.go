// Package parse converts generated text into typed draft records, one parser
// per artifact type plus an update variant for reprocessing.
package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed indicates generated content that cannot be decoded or is
// missing required fields.
var ErrMalformed = errors.New("malformed generated content")

// Usage carries the token counts stamped onto parsed drafts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// objectOrArray normalizes a response that may be a single JSON object or an
// array of objects into a slice of raw objects.
func objectOrArray(text string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return items, nil
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, fmt.Errorf("%w: expected JSON object or array", ErrMalformed)
	}
}

// firstObject is objectOrArray collapsed to a single element, used by the
// update parsers.
func firstObject(text string) (json.RawMessage, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	return items[0], nil
}

// criteria accepts acceptance criteria as either a list of strings or a
// single string. Lists are flattened to a bulleted string on persist.
type criteria struct {
	raw json.RawMessage
}

func (c *criteria) UnmarshalJSON(data []byte) error {
	c.raw = append(c.raw[:0], data...)
	return nil
}

func (c *criteria) flatten() (*string, error) {
	if len(c.raw) == 0 || string(bytes.TrimSpace(c.raw)) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(c.raw, &list); err == nil {
		lines := make([]string, len(list))
		for i, item := range list {
			lines[i] = "- " + item
		}
		joined := strings.Join(lines, "\n")
		return &joined, nil
	}
	var single string
	if err := json.Unmarshal(c.raw, &single); err == nil {
		return &single, nil
	}
	return nil, fmt.Errorf("%w: acceptance_criteria must be a string or list of strings", ErrMalformed)
}

var scriptRe = regexp.MustCompile(`(?s)^/\*.*\*/$`)

// AutomationScript validates that text is wrapped in a block comment and
// returns the unwrapped script.
func AutomationScript(text string) (string, error) {
	if !scriptRe.MatchString(text) {
		return "", fmt.Errorf("%w: script must be wrapped in a /* */ block comment", ErrMalformed)
	}
	clean := strings.TrimPrefix(text, "/*")
	clean = strings.TrimSuffix(clean, "*/")
	return strings.TrimSpace(clean), nil
}

func required(field, name string) error {
	if field == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	return nil
}
