package steps

import (
	"fmt"
	"strings"

	"github.com/hemocheck/triage-backend/internal/domain"
)

// DonorSummary renders the donor facts and precheck verdict as a compact
// block for model prompts. Deterministic: no model call, no I/O.
func DonorSummary(donor map[string]any, precheck *domain.Precheck) string {
	if len(donor) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Donor Facts:\n")
	fmt.Fprintf(&b, "- sex: %s\n", asString(donor["sex"]))
	fmt.Fprintf(&b, "- age: %s\n", asString(donor["age"]))
	fmt.Fprintf(&b, "- hb_g_dl: %s\n", asString(donor["hb_g_dl"]))
	fmt.Fprintf(&b, "- blood_pressure: %s/%s mmHg\n", asString(donor["systolic_bp"]), asString(donor["diastolic_bp"]))
	fmt.Fprintf(&b, "- bmi: %s\n", asString(donor["bmi"]))
	fmt.Fprintf(&b, "- questionnaire_flags: %s\n", asString(donor["questionnaire_flags"]))
	if precheck != nil {
		fmt.Fprintf(&b, "Precheck: eligibility_status=%s; reasons=%s", precheck.Status, mustJSON(precheck.Reasons))
	}
	return strings.TrimSpace(b.String())
}
