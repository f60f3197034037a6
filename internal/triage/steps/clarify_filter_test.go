package steps

import (
	"testing"

	"github.com/hemocheck/triage-backend/internal/domain"
)

func filterState(slots map[string]map[string]any, topics []string, donor map[string]any) *State {
	conv := domain.NewConversationState()
	if slots != nil {
		conv.Slots = slots
	}
	if topics != nil {
		conv.Topics = topics
	}
	if donor != nil {
		conv.Donor = donor
	}
	return &State{Conv: conv}
}

func TestFilterAsks(t *testing.T) {
	cases := []struct {
		name   string
		asks   []string
		raw    string
		slots  map[string]map[string]any
		topics []string
		donor  map[string]any
		want   []string
	}{
		{
			name: "policy_question_dropped",
			asks: []string{"What is the waiting period after a tattoo?"},
			raw:  "What is the waiting period after a tattoo?",
			want: []string{},
		},
		{
			name: "how_long_dropped",
			asks: []string{"How long is the deferral period?"},
			raw:  "I got a tattoo",
			want: []string{},
		},
		{
			name:  "date_ask_dropped_when_slot_has_date",
			asks:  []string{"When exactly did you get the tattoo?"},
			raw:   "I got a tattoo recently",
			slots: map[string]map[string]any{"tattoo": {"date": "2026-08-20"}},
			want:  []string{},
		},
		{
			name: "date_ask_dropped_when_raw_has_date",
			asks: []string{"What date did you return?"},
			raw:  "I came back on 2026-08-01 from Kenya",
			want: []string{},
		},
		{
			name:   "date_ask_kept_when_unknown",
			asks:   []string{"When exactly did you get the tattoo?"},
			raw:    "I got a tattoo recently",
			topics: []string{"tattoo"},
			want:   []string{"When exactly did you get the tattoo?"},
		},
		{
			name:  "confirm_known_vaccine_dropped",
			asks:  []string{"Can you confirm the vaccine type?"},
			raw:   "I had my flu shot last month",
			slots: map[string]map[string]any{"vaccine": {"name": "influenza"}},
			want:  []string{},
		},
		{
			name: "other_vaccines_dropped_after_denial_in_text",
			asks: []string{"Have you had any other vaccinations recently?"},
			raw:  "I got a tattoo last week, no other vaccines",
			want: []string{},
		},
		{
			name:  "other_vaccines_dropped_after_denial_in_slots",
			asks:  []string{"Any other vaccinations in the last month?"},
			raw:   "I had a flu shot",
			slots: map[string]map[string]any{"vaccine": {"other_recent": false}},
			want:  []string{},
		},
		{
			name: "travel_dropped_when_never_mentioned",
			asks: []string{"Which countries did you travel to?"},
			raw:  "Can I donate after a flu shot?",
			want: []string{},
		},
		{
			name: "travel_dropped_when_denied",
			asks: []string{"What was your travel destination?"},
			raw:  "No recent travel, just a tattoo",
			want: []string{},
		},
		{
			name:   "travel_kept_when_affirmed",
			asks:   []string{"Which country did you visit?"},
			raw:    "I traveled abroad last month",
			topics: []string{"travel"},
			want:   []string{"Which country did you visit?"},
		},
		{
			name:  "last_donation_dropped_when_date_known_in_slots",
			asks:  []string{"When was your last donation?"},
			raw:   "I donated before and want to again",
			slots: map[string]map[string]any{"donation": {"last_date": "2026-03-15"}},
			want:  []string{},
		},
		{
			name:  "last_donation_dropped_when_date_in_donor_record",
			asks:  []string{"When was your last blood donation?"},
			raw:   "Am I due to donate again?",
			donor: map[string]any{"last_donation_date": "2026-05-01"},
			want:  []string{},
		},
		{
			name: "generic_conditions_dropped_without_symptom_signal",
			asks: []string{"Do you have any medical conditions?"},
			raw:  "Can I donate after a tattoo?",
			want: []string{},
		},
		{
			name: "generic_conditions_kept_with_symptom_signal",
			asks: []string{"Do you have any medical conditions?"},
			raw:  "I have had a fever on and off this week",
			want: []string{"Do you have any medical conditions?"},
		},
		{
			name: "negated_topic_never_asked",
			asks: []string{"Are you taking any medications at the moment?"},
			raw:  "No medications, I feel fine",
			want: []string{},
		},
		{
			name:   "survivors_keep_order",
			asks:   []string{"What is the deferral policy?", "When did you get the tattoo?", "Was the tattoo studio licensed?"},
			raw:    "I got a tattoo",
			topics: []string{"tattoo"},
			want:   []string{"When did you get the tattoo?", "Was the tattoo studio licensed?"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := filterState(tc.slots, tc.topics, tc.donor)
			got := FilterAsks(tc.asks, tc.raw, st)
			if len(got) != len(tc.want) {
				t.Fatalf("FilterAsks = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("FilterAsks = %v, want %v", got, tc.want)
				}
			}
		})
	}
}
