package rules

import (
	"strings"
	"testing"

	"github.com/hemocheck/triage-backend/internal/domain"
)

func TestCompute(t *testing.T) {
	cases := []struct {
		name       string
		donor      map[string]any
		wantStatus string
		wantReason string
	}{
		{
			name: "healthy_male",
			donor: map[string]any{
				"sex": "M", "hb_g_dl": 14.2, "systolic_bp": 120, "diastolic_bp": 78, "bmi": 24.0,
			},
			wantStatus: domain.PrecheckEligible,
			wantReason: "Meets basic precheck thresholds",
		},
		{
			name: "female_low_hb",
			donor: map[string]any{
				"sex": "female", "hb_g_dl": 11.8, "systolic_bp": 118, "diastolic_bp": 76,
			},
			wantStatus: domain.PrecheckIneligible,
			wantReason: "Low Hb",
		},
		{
			name: "male_hb_at_threshold_ok",
			donor: map[string]any{
				"sex": "m", "hb_g_dl": 13.0, "systolic_bp": 125, "diastolic_bp": 80,
			},
			wantStatus: domain.PrecheckEligible,
			wantReason: "Meets basic precheck thresholds",
		},
		{
			name: "hypertensive_crisis",
			donor: map[string]any{
				"sex": "m", "hb_g_dl": 15.0, "systolic_bp": 182, "diastolic_bp": 95,
			},
			wantStatus: domain.PrecheckIneligible,
			wantReason: "Very high blood pressure",
		},
		{
			name: "tattoo_flag_needs_clearance",
			donor: map[string]any{
				"sex": "f", "hb_g_dl": 13.5, "systolic_bp": 110, "diastolic_bp": 70,
				"questionnaire_flags": "tattoo_3m",
			},
			wantStatus: domain.PrecheckMedicalClearance,
			wantReason: "Recent risk factor flags",
		},
		{
			name: "high_bmi_needs_clearance",
			donor: map[string]any{
				"sex": "m", "hb_g_dl": 14.0, "systolic_bp": 130, "diastolic_bp": 85, "bmi": 46.5,
			},
			wantStatus: domain.PrecheckMedicalClearance,
			wantReason: "high BMI",
		},
		{
			name: "ineligible_wins_over_clearance",
			donor: map[string]any{
				"sex": "f", "hb_g_dl": 10.0, "questionnaire_flags": "recent_surgery",
			},
			wantStatus: domain.PrecheckIneligible,
			wantReason: "Low Hb",
		},
		{
			name: "string_vitals_coerced",
			donor: map[string]any{
				"sex": "F", "hb_g_dl": "12.4", "systolic_bp": "120", "diastolic_bp": "80",
			},
			wantStatus: domain.PrecheckIneligible,
			wantReason: "Low Hb",
		},
		{
			name:       "sex_without_hb_reads_as_low",
			donor:      map[string]any{"sex": "f"},
			wantStatus: domain.PrecheckIneligible,
			wantReason: "Low Hb",
		},
		{
			// Without a sex neither Hb branch can fire; a record with no
			// vitals passes the precheck and clarification handles the gap.
			name:       "empty_donor_prechecks_eligible",
			donor:      map[string]any{},
			wantStatus: domain.PrecheckEligible,
			wantReason: "Meets basic precheck thresholds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.donor)
			if got.Status != tc.wantStatus {
				t.Fatalf("Compute status = %q, want %q (reasons: %v)", got.Status, tc.wantStatus, got.Reasons)
			}
			found := false
			for _, r := range got.Reasons {
				if strings.Contains(r, tc.wantReason) {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("Compute reasons %v missing %q", got.Reasons, tc.wantReason)
			}
		})
	}
}
