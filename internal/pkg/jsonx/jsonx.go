// Package jsonx recovers structured objects from model output that is
// supposed to contain JSON but frequently does not, at least not cleanly.
package jsonx

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// Recover extracts the best-effort JSON object from text. It never fails:
// the terminal fallback is an empty map. Attempts run in order and stop at
// the first success:
//  1. the contents of a fenced ```json block
//  2. the whole string
//  3. the substring between the first '{' and the last '}'
func Recover(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]any{}
	}

	if m := fencedBlock.FindStringSubmatch(text); len(m) == 2 {
		if obj, ok := tryParse(m[1]); ok {
			return obj
		}
	}

	if obj, ok := tryParse(text); ok {
		return obj
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if obj, ok := tryParse(text[start : end+1]); ok {
			return obj
		}
	}

	return map[string]any{}
}

func tryParse(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}
