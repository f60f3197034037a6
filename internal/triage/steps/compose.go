package steps

import (
	"strings"

	"github.com/hemocheck/triage-backend/internal/domain"
)

var canonicalLabels = map[string]bool{
	domain.LabelEligible:     true,
	domain.LabelIneligible:   true,
	domain.LabelDefer:        true,
	domain.LabelNeedMoreInfo: true,
}

// Compose finalizes the turn: one more defensive normalization pass, citation
// assembly, and final-status derivation. Always returns a well-formed
// response, whatever state the turn ended in.
func Compose(st *State, usedModel string) domain.TurnResponse {
	var decision domain.Decision
	if st.Conv.Decision != nil {
		decision = Normalize(decisionToMap(st.Conv.Decision))
	} else {
		decision = Normalize(map[string]any{})
	}

	decision.RuleCitations = normalizeCitations(st.Conv.Retrieved)
	decision.FinalStatus = deriveFinalStatus(decision.Label, st.Conv.Precheck)

	st.Conv.Decision = &decision
	if usedModel != "" {
		st.Conv.UsedModel = usedModel
	}

	return domain.TurnResponse{
		Decision:      decision.Label,
		Confidence:    decision.Confidence,
		Rationale:     decision.Rationale,
		MissingFields: decision.MissingFields,
		SafetyFlags:   decision.SafetyFlags,
		RuleCitations: decision.RuleCitations,
		UsedModel:     st.Conv.UsedModel,
		FinalStatus:   decision.FinalStatus,
	}
}

// normalizeCitations accepts bare identifiers or {doc_id,...} mappings and
// reduces each to {doc_id, text:""}.
func normalizeCitations(retrieved *domain.Retrieved) []domain.Citation {
	out := []domain.Citation{}
	if retrieved == nil {
		return out
	}
	for _, c := range retrieved.Citations {
		switch t := c.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, domain.Citation{DocID: s})
			}
		case map[string]any:
			id := strings.TrimSpace(asString(t["doc_id"]))
			if id == "" {
				id = strings.TrimSpace(asString(t["id"]))
			}
			if id != "" {
				out = append(out, domain.Citation{DocID: id})
			}
		case domain.Citation:
			if t.DocID != "" {
				out = append(out, domain.Citation{DocID: t.DocID})
			}
		}
	}
	return out
}

func deriveFinalStatus(label string, precheck *domain.Precheck) string {
	if canonicalLabels[label] {
		return label
	}
	if precheck != nil && strings.TrimSpace(precheck.Status) != "" {
		return precheck.Status
	}
	return domain.LabelNeedMoreInfo
}
