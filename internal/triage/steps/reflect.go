package steps

import (
	"context"
	"strings"
)

var reflectorSystem = strings.Join([]string{
	"You are a strict validator for donor eligibility decisions.",
	"Check whether the decision JSON is self-consistent, matches the evidence, and carries the fields it needs.",
	"If it contradicts the evidence or misses necessary fields, fix it and output the corrected JSON only,",
	"using the same keys: decision, confidence, rationale, missing_fields, safety_flags.",
	"If the decision is already sound, return it unchanged.",
}, "\n")

// Reflect runs the second-pass validator over the active decision. The
// reflector's fields win where present; everything else survives from the
// prior decision. An unparseable reflection is silently ignored.
func (d Deps) Reflect(ctx context.Context, st *State) {
	if st.Conv.Decision == nil {
		return
	}

	payload := map[string]any{
		"decision":      decisionToMap(st.Conv.Decision),
		"donor_summary": st.DonorSummary,
		"precheck":      st.Conv.Precheck,
		"retrieved":     st.Conv.Retrieved,
	}

	fixed, _ := d.generateStructured(ctx, "reflect", reflectorSystem, mustJSON(payload), "eligibility_decision", synthesizerSchema())
	if len(fixed) == 0 {
		return
	}

	merged := decisionToMap(st.Conv.Decision)
	for k, v := range fixed {
		merged[k] = v
	}
	normalized := Normalize(merged)
	st.Conv.Decision = &normalized
}
