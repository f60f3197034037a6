package steps

import (
	"context"
	"strings"

	"github.com/hemocheck/triage-backend/internal/domain"
)

var synthesizerSystem = strings.Join([]string{
	"You are a blood-donor eligibility agent.",
	"Synthesize the hard-rule precheck, the retrieved policy evidence, and the accumulated donor facts into one decision.",
	"Return a single JSON object with keys: decision, confidence, rationale, missing_fields, safety_flags.",
	"decision is one of: Eligible, Ineligible, Defer, NeedMoreInfo. confidence is 0..1.",
	"Hard rules:",
	"- Never assume unstated values. Prefer NeedMoreInfo over guessing.",
	"- If the retrieved evidence contradicts the rule precheck, explain the conflict in rationale and lower confidence.",
	"- If red-flag content is present, populate safety_flags.",
	"- missing_fields lists at most 3 user-specific facts that would change the decision.",
}, "\n")

func synthesizerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision":   map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
			"rationale":  map[string]any{"type": "string"},
			"missing_fields": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"safety_flags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"decision", "confidence", "rationale", "missing_fields", "safety_flags"},
		"additionalProperties": false,
	}
}

// Synthesize drafts the decision from everything the turn has gathered. A
// dead model yields the hard default rather than an error: NeedMoreInfo at
// 0.4 confidence carrying whatever raw text came back.
func (d Deps) Synthesize(ctx context.Context, st *State) map[string]any {
	payload := map[string]any{
		"donor":         st.Conv.Donor,
		"donor_summary": st.DonorSummary,
		"precheck":      st.Conv.Precheck,
		"retrieved":     st.Conv.Retrieved,
		"slots":         st.Conv.Slots,
		"user_question": st.Conv.Question,
	}

	obj, rawText := d.generateStructured(ctx, "synthesize", synthesizerSystem, mustJSON(payload), "eligibility_decision", synthesizerSchema())
	if len(obj) == 0 {
		rationale := strings.TrimSpace(rawText)
		if rationale == "" {
			rationale = "unparsable output"
		}
		return map[string]any{
			"decision":       domain.LabelNeedMoreInfo,
			"confidence":     0.4,
			"rationale":      rationale,
			"missing_fields": []any{},
			"safety_flags":   []any{},
		}
	}

	// Partial results are usable; absent keys get per-key defaults.
	if _, ok := obj["decision"]; !ok {
		obj["decision"] = domain.LabelNeedMoreInfo
	}
	if _, ok := obj["confidence"]; !ok {
		obj["confidence"] = 0.5
	}
	if _, ok := obj["rationale"]; !ok {
		obj["rationale"] = ""
	}
	if _, ok := obj["missing_fields"]; !ok {
		obj["missing_fields"] = []any{}
	}
	if _, ok := obj["safety_flags"]; !ok {
		obj["safety_flags"] = []any{}
	}
	return obj
}
