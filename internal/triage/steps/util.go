package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/pkg/jsonx"
)

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fallback
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return fallback
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return true, true
		case "false", "no", "none":
			return false, true
		}
	}
	return false, false
}

func asStringSlice(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case nil:
		return out
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asAnyMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func clamp01(f float64) float64 {
	if f != f { // NaN
		return 0.5
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// truncateRunes caps s at max runes, never splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// generateStructured asks the model for schema-constrained JSON and, when
// the constrained call fails, retries once as plain text and recovers the
// object from whatever came back. Returns the parsed mapping (possibly
// empty) and the raw text of the relaxed attempt, which callers may surface
// in fallback rationales. Model failures never propagate as errors.
func (d Deps) generateStructured(ctx context.Context, stage, system, user, schemaName string, schema map[string]any) (map[string]any, string) {
	obj, err := d.AI.GenerateJSON(ctx, system, user, schemaName, schema)
	if err == nil && len(obj) > 0 {
		return obj, ""
	}
	if err != nil && d.Log != nil {
		d.Log.Warn("structured generation failed, retrying relaxed", "stage", stage, "error", err.Error())
	}

	text, textErr := d.AI.GenerateText(ctx, system, user)
	if textErr != nil {
		if d.Log != nil {
			d.Log.Warn("relaxed generation failed", "stage", stage, "error", textErr.Error())
		}
		observability.Current().IncJSONRecovery(stage, false)
		return map[string]any{}, ""
	}

	recovered := jsonx.Recover(text)
	observability.Current().IncJSONRecovery(stage, len(recovered) > 0)
	return recovered, text
}
