package steps

import (
	"context"
	"strings"
)

var extractorSystem = strings.Join([]string{
	"You extract structured facts from a blood donor's message for an eligibility assistant.",
	"Record ONLY facts the user explicitly stated. Never infer, assume, or fill in unstated values.",
	"Explicit negations ARE facts: if the user says \"no\", \"none\", \"never\", or equivalent about a topic,",
	"record boolean false or the string \"none\" for the matching field.",
	"Dates must be ISO-8601 (YYYY-MM-DD). If the user gave a relative or partial date you cannot resolve, leave the field null.",
	"topics_detected lists only the topics actually raised in the current message.",
	"Leave every field you have no explicit information for as null.",
}, "\n")

func extractorSchema() map[string]any {
	nullable := func(t string) map[string]any {
		return map[string]any{"type": []string{t, "null"}}
	}
	topicProps := map[string]any{
		"vaccine": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"name":         nullable("string"),
				"date":         nullable("string"),
				"other_recent": nullable("boolean"),
			},
			"required":             []string{"name", "date", "other_recent"},
			"additionalProperties": false,
		},
		"tattoo": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"date":            nullable("string"),
				"studio_licensed": nullable("boolean"),
			},
			"required":             []string{"date", "studio_licensed"},
			"additionalProperties": false,
		},
		"travel": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"destinations": map[string]any{
					"type": []string{"array", "null"},
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"country":     nullable("string"),
							"return_date": nullable("string"),
						},
						"required":             []string{"country", "return_date"},
						"additionalProperties": false,
					},
				},
				"recent": nullable("boolean"),
			},
			"required":             []string{"destinations", "recent"},
			"additionalProperties": false,
		},
		"donation": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"last_date": nullable("string"),
			},
			"required":             []string{"last_date"},
			"additionalProperties": false,
		},
		"medication": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"name":    nullable("string"),
				"current": nullable("boolean"),
			},
			"required":             []string{"name", "current"},
			"additionalProperties": false,
		},
		"symptoms": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"present":     nullable("boolean"),
				"description": nullable("string"),
			},
			"required":             []string{"present", "description"},
			"additionalProperties": false,
		},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topics_detected": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []string{"vaccine", "tattoo", "travel", "donation", "medication", "symptoms"}},
			},
			"slots": map[string]any{
				"type":                 "object",
				"properties":           topicProps,
				"required":             []string{"vaccine", "tattoo", "travel", "donation", "medication", "symptoms"},
				"additionalProperties": false,
			},
		},
		"required":             []string{"topics_detected", "slots"},
		"additionalProperties": false,
	}
}

// ExtractSlots runs the fact extractor over the current question and merges
// the delta into the session's slot store. On any model or parse failure the
// slots stay untouched and the turn's topic set is empty.
func (d Deps) ExtractSlots(ctx context.Context, st *State) {
	st.Conv.Topics = []string{}
	question := strings.TrimSpace(st.Conv.Question)
	if question == "" {
		return
	}

	history := st.Conv.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	user := strings.Join([]string{
		"Known slots so far:",
		mustJSON(st.Conv.Slots),
		"",
		"Recent conversation:",
		mustJSON(history),
		"",
		"Current message:",
		question,
	}, "\n")

	obj, _ := d.generateStructured(ctx, "slot_extract", extractorSystem, user, "slot_extraction", extractorSchema())
	if len(obj) == 0 {
		return
	}

	topics := []string{}
	for _, t := range asStringSlice(obj["topics_detected"]) {
		t = strings.ToLower(strings.TrimSpace(t))
		if knownTopic(t) {
			topics = append(topics, t)
		}
	}
	st.Conv.Topics = topics

	if delta := asAnyMap(obj["slots"]); delta != nil {
		MergeSlotDelta(st.Conv.Slots, delta)
	}
}
