package steps

import (
	"context"
	"strings"
)

// ClarifyJudgement is the triage judge's verdict: answer the question now,
// or ask the user for up to three missing facts first.
type ClarifyJudgement struct {
	Decision     string
	MissingSlots []string
	Reason       string
	Confidence   float64
}

const (
	ClarifyDecisionAnswer  = "answer"
	ClarifyDecisionClarify = "clarify"

	maxAsks = 3
)

var clarifierSystem = strings.Join([]string{
	"You are a conservative triage judge for a blood-donor eligibility assistant.",
	"Decide whether the assistant can ANSWER now or must CLARIFY first.",
	"",
	"Clarification policy (no guessing):",
	"- Consider ONLY topics explicitly present or affirmed in the user's text or context; do NOT invent new topics.",
	"- If the user explicitly NEGATES a topic (e.g., \"no travel\", \"no other vaccinations\", \"don't have X\", \"none\"),",
	"  treat that topic as NOT APPLICABLE or SATISFIED. Do NOT ask follow-ups for it.",
	"- Ask to CLARIFY only if essential user-specific facts are missing for an active topic.",
	"- Typical essentials: exact dates, vaccine name, tattoo studio license, travel destination, symptom presence.",
	"- Do NOT ask for general policy facts (waiting periods, deferral lengths, eligibility rules). The assistant answers those itself.",
	"- Be minimal: at most 3 actionable questions in missing_slots; empty if decision is \"answer\".",
	"- Do NOT answer the medical question here; only judge clarify vs answer.",
}, "\n")

func clarifierSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{"type": "string", "enum": []string{"answer", "clarify"}},
			"missing_slots": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"reason":     map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
		},
		"required":             []string{"decision", "missing_slots", "reason", "confidence"},
		"additionalProperties": false,
	}
}

// JudgeClarify asks the model whether enough user-specific facts exist to
// answer. An unparseable verdict fails open to "answer" so the conversation
// never stalls on a broken model response.
func (d Deps) JudgeClarify(ctx context.Context, st *State) ClarifyJudgement {
	question := strings.TrimSpace(st.Conv.Question)
	if question == "" {
		return ClarifyJudgement{
			Decision:     ClarifyDecisionClarify,
			MissingSlots: []string{"Please provide your question."},
			Reason:       "empty input",
			Confidence:   0,
		}
	}

	contextBlock := map[string]any{
		"slots":          st.Conv.Slots,
		"topics":         st.Conv.Topics,
		"history":        st.Conv.History,
		"donor_selected": len(st.Conv.Donor) > 0,
		"has_precheck":   st.Conv.Precheck != nil,
	}
	user := "Context:\n" + mustJSON(contextBlock) + "\n\nUser question:\n" + question

	obj, _ := d.generateStructured(ctx, "clarifier", clarifierSystem, user, "clarifier_judgement", clarifierSchema())

	decision := strings.ToLower(strings.TrimSpace(asString(obj["decision"])))
	if decision != ClarifyDecisionAnswer && decision != ClarifyDecisionClarify {
		decision = ClarifyDecisionAnswer
	}

	asks := asStringSlice(obj["missing_slots"])
	if len(asks) > maxAsks {
		asks = asks[:maxAsks]
	}

	reason := truncateRunes(strings.TrimSpace(asString(obj["reason"])), 200)

	conf := clamp01(asFloat(obj["confidence"], 0))

	// An empty clarify is useless: nothing to ask means answer.
	if decision == ClarifyDecisionClarify && len(asks) == 0 {
		decision = ClarifyDecisionAnswer
	}

	return ClarifyJudgement{
		Decision:     decision,
		MissingSlots: asks,
		Reason:       reason,
		Confidence:   conf,
	}
}
