// Package rules is the deterministic eligibility precheck. It runs before
// any model reasoning and its verdict anchors the synthesized decision.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hemocheck/triage-backend/internal/domain"
)

const (
	minHbFemale = 12.5
	minHbMale   = 13.0

	maxSystolic  = 180
	maxDiastolic = 110

	clearanceBMI = 45
)

// Questionnaire flags that require medical clearance on their own.
var clearanceFlags = []string{"tattoo_3m", "recent_surgery", "recent_antibiotics"}

// Compute evaluates a donor record against the hard vitals thresholds.
// Pure and I/O free. Unknown or missing fields read as zero values, so the
// hemoglobin check only fires when sex is present: a record with no vitals
// at all prechecks eligible, and the clarifier is what asks for the missing
// facts.
func Compute(donor map[string]any) domain.Precheck {
	reasons := []string{}

	sex := strings.ToLower(strings.TrimSpace(asString(donor["sex"])))
	hb := asFloat(donor["hb_g_dl"])
	sysBP := asFloat(donor["systolic_bp"])
	diaBP := asFloat(donor["diastolic_bp"])
	bmi := asFloat(donor["bmi"])
	flags := strings.ToLower(asString(donor["questionnaire_flags"]))

	if (strings.HasPrefix(sex, "f") && hb < minHbFemale) || (strings.HasPrefix(sex, "m") && hb < minHbMale) {
		reasons = append(reasons, fmt.Sprintf("Low Hb: %g g/dL", hb))
	}
	if sysBP >= maxSystolic || diaBP >= maxDiastolic {
		reasons = append(reasons, fmt.Sprintf("Very high blood pressure: %d/%d mmHg", int(sysBP), int(diaBP)))
	}

	status := domain.PrecheckEligible
	if len(reasons) > 0 {
		status = domain.PrecheckIneligible
	}

	flagged := bmi >= clearanceBMI
	for _, f := range clearanceFlags {
		if strings.Contains(flags, f) {
			flagged = true
			break
		}
	}
	if flagged {
		if status != domain.PrecheckIneligible {
			status = domain.PrecheckMedicalClearance
		}
		reasons = append(reasons, "Recent risk factor flags or high BMI")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "Meets basic precheck thresholds")
	}
	return domain.Precheck{Status: status, Reasons: reasons}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v any) float64 {
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
		f, _ := t.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
