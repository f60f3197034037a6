package steps

import (
	"strings"

	"github.com/hemocheck/triage-backend/internal/domain"
)

// Exact alias table, consulted before any substring heuristic.
var labelAliases = map[string]string{
	"eligible":           domain.LabelEligible,
	"ok":                 domain.LabelEligible,
	"yes":                domain.LabelEligible,
	"ineligible":         domain.LabelIneligible,
	"no":                 domain.LabelIneligible,
	"defer":              domain.LabelDefer,
	"deferred":           domain.LabelDefer,
	"temporary deferral": domain.LabelDefer,
	"needmoreinfo":       domain.LabelNeedMoreInfo,
	"need_more_info":     domain.LabelNeedMoreInfo,
	"need more info":     domain.LabelNeedMoreInfo,
	"clarify":            domain.LabelNeedMoreInfo,
}

// Normalize forces any decision-shaped mapping into the strict schema.
// Pure and idempotent: canonical labels survive the alias table unchanged,
// so normalize(normalize(x)) == normalize(x).
func Normalize(m map[string]any) domain.Decision {
	d := domain.Decision{
		Label:         normalizeLabel(rawLabel(m)),
		Confidence:    clamp01(asFloat(m["confidence"], 0.5)),
		Rationale:     asString(m["rationale"]),
		MissingFields: asStringSlice(m["missing_fields"]),
		SafetyFlags:   asStringSlice(m["safety_flags"]),
	}
	if len(d.MissingFields) > 3 {
		d.MissingFields = d.MissingFields[:3]
	}
	return d
}

func rawLabel(m map[string]any) string {
	v, ok := m["decision"]
	if !ok {
		v = m["label"]
	}
	if sub := asAnyMap(v); sub != nil {
		if inner, ok := sub["label"]; ok {
			v = inner
		} else {
			v = sub["status"]
		}
	}
	return strings.ToLower(strings.TrimSpace(asString(v)))
}

func normalizeLabel(raw string) string {
	if canonical, ok := labelAliases[raw]; ok {
		return canonical
	}
	switch {
	case strings.Contains(raw, "need") && strings.Contains(raw, "info"),
		strings.Contains(raw, "clarify"):
		return domain.LabelNeedMoreInfo
	case strings.Contains(raw, "defer"):
		return domain.LabelDefer
	case strings.Contains(raw, "inelig"),
		strings.Contains(raw, "not allow"),
		strings.Contains(raw, "cannot"):
		return domain.LabelIneligible
	case strings.Contains(raw, "elig"),
		strings.Contains(raw, "allow"),
		strings.Contains(raw, "can donate"):
		return domain.LabelEligible
	default:
		return domain.LabelNeedMoreInfo
	}
}

// decisionToMap round-trips a Decision back into the loose mapping form the
// reflector merges over.
func decisionToMap(d *domain.Decision) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	missing := make([]any, 0, len(d.MissingFields))
	for _, s := range d.MissingFields {
		missing = append(missing, s)
	}
	flags := make([]any, 0, len(d.SafetyFlags))
	for _, s := range d.SafetyFlags {
		flags = append(flags, s)
	}
	return map[string]any{
		"decision":       d.Label,
		"confidence":     d.Confidence,
		"rationale":      d.Rationale,
		"missing_fields": missing,
		"safety_flags":   flags,
	}
}
