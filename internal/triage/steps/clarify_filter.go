package steps

import (
	"regexp"
	"strings"
)

// The filter is the deterministic safety net over the judge: every candidate
// question is re-validated against the raw text, the slot store, and the
// donor record, and dropped when the user should not be asked it. Pattern
// tables live here, outside any model call, so they stay independently
// testable.

var (
	policyAskPattern = regexp.MustCompile(`(?i)waiting period|deferral (length|period)|how long|policy|guideline`)
	rawDatePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)

	noOtherVaccines = regexp.MustCompile(`(?i)no other (vaccin|shot|immuni)|haven't had (any )?other vaccin|have not had (any )?other vaccin`)
	noTravel        = regexp.MustCompile(`(?i)\bno (recent )?(travel|trips?)\b|haven't travell?ed|have not travell?ed|didn't travel|did not travel`)
	noSymptoms      = regexp.MustCompile(`(?i)\bno symptoms?\b|feel(ing)? (fine|well|healthy)`)
	noMedication    = regexp.MustCompile(`(?i)\bno medications?\b|not (taking|on) (any )?(medication|medicine)s?`)
	noTattoo        = regexp.MustCompile(`(?i)\bno tattoos?\b|never had a tattoo`)
	noDonation      = regexp.MustCompile(`(?i)never donated|\bno (prior|previous) donations?\b`)

	travelMention = regexp.MustCompile(`(?i)travel|trip|abroad|overseas|visited`)
	symptomWords  = regexp.MustCompile(`(?i)symptom|fever|sick|ill\b|pain|cough|dizzy|flu\b|cold\b|infection|nausea|headache|fatigue`)

	genericConditionAsk = regexp.MustCompile(`(?i)(any|other)?\s*(medical|health) (conditions?|issues?|problems?)`)
)

// Negation patterns keyed by topic, used for the blanket rule that a
// candidate about an explicitly denied topic never survives.
var topicNegations = map[string]*regexp.Regexp{
	"travel":     noTravel,
	"vaccine":    noOtherVaccines,
	"symptoms":   noSymptoms,
	"medication": noMedication,
	"tattoo":     noTattoo,
	"donation":   noDonation,
}

var topicAskWords = map[string][]string{
	"travel":     {"travel", "destination", "trip", "abroad"},
	"vaccine":    {"vaccin", "shot", "immuni"},
	"symptoms":   {"symptom"},
	"medication": {"medication", "medicine"},
	"tattoo":     {"tattoo"},
	"donation":   {"donation", "donate"},
}

// FilterAsks re-validates the judge's candidate questions and returns the
// survivors in order. An empty result means the turn must fall back to
// answering.
func FilterAsks(asks []string, rawText string, st *State) []string {
	raw := strings.ToLower(rawText)
	out := []string{}

	for _, ask := range asks {
		a := strings.ToLower(strings.TrimSpace(ask))
		if a == "" {
			continue
		}
		if dropAsk(a, raw, st) {
			continue
		}
		out = append(out, strings.TrimSpace(ask))
	}
	return out
}

func dropAsk(ask, raw string, st *State) bool {
	// Policy facts are the system's job to answer, never the user's to supply.
	if policyAskPattern.MatchString(ask) {
		return true
	}

	// A date ask is pointless when a concrete date is already on record or
	// sitting right in the user's text.
	if strings.Contains(ask, "date") || strings.Contains(ask, "when") {
		if slotDate(st.Conv.Slots) != "" || rawDatePattern.MatchString(raw) {
			return true
		}
	}

	// Confirming a vaccine/type we already know.
	if strings.Contains(ask, "confirm") && (strings.Contains(ask, "type") || strings.Contains(ask, "vaccin")) {
		if vaccineName(st) != "" {
			return true
		}
	}

	// "Other vaccinations" after the user already denied having any.
	if strings.Contains(ask, "other vaccin") || strings.Contains(ask, "other shots") {
		if deniedOtherVaccines(raw, st) {
			return true
		}
	}

	// Travel follow-ups require travel to have been raised, and not denied.
	if strings.Contains(ask, "travel") || strings.Contains(ask, "destination") || strings.Contains(ask, "trip") {
		if noTravel.MatchString(raw) {
			return true
		}
		if !travelActive(raw, st) {
			return true
		}
	}

	// Last-donation asks need the topic raised and the date unknown.
	if strings.Contains(ask, "donation") || strings.Contains(ask, "donate") {
		if lastDonationKnown(st) {
			return true
		}
		if !donationActive(raw, st) {
			return true
		}
	}

	// Generic "any medical conditions" fishing with zero symptom signal.
	if genericConditionAsk.MatchString(ask) {
		if !symptomWords.MatchString(raw) {
			return true
		}
	}

	// Blanket rule: never ask about a topic the user explicitly negated.
	for topic, negation := range topicNegations {
		if !negation.MatchString(raw) {
			continue
		}
		for _, w := range topicAskWords[topic] {
			if strings.Contains(ask, w) {
				return true
			}
		}
	}

	return false
}

func vaccineName(st *State) string {
	fields, ok := st.Conv.Slots["vaccine"]
	if !ok {
		return ""
	}
	name := strings.TrimSpace(asString(fields["name"]))
	if name == "" || strings.EqualFold(name, "none") {
		return ""
	}
	return name
}

func deniedOtherVaccines(raw string, st *State) bool {
	if noOtherVaccines.MatchString(raw) {
		return true
	}
	if fields, ok := st.Conv.Slots["vaccine"]; ok {
		if b, known := asBool(fields["other_recent"]); known && !b {
			return true
		}
	}
	return false
}

func travelActive(raw string, st *State) bool {
	for _, t := range st.Conv.Topics {
		if t == "travel" {
			return true
		}
	}
	if fields, ok := st.Conv.Slots["travel"]; ok && len(fields) > 0 && !isEmptyValue(fields["destinations"]) {
		return true
	}
	return travelMention.MatchString(raw)
}

func donationActive(raw string, st *State) bool {
	for _, t := range st.Conv.Topics {
		if t == "donation" {
			return true
		}
	}
	return strings.Contains(raw, "donat")
}

func lastDonationKnown(st *State) bool {
	if fields, ok := st.Conv.Slots["donation"]; ok {
		if s := strings.TrimSpace(asString(fields["last_date"])); s != "" && !strings.EqualFold(s, "none") {
			return true
		}
	}
	if s := strings.TrimSpace(asString(st.Conv.Donor["last_donation_date"])); s != "" {
		return true
	}
	return false
}
