package steps

import (
	"regexp"
	"sort"
	"strings"
)

// Per-topic slot fields. Dates are ISO-8601 strings or null; travel
// destinations are structured sub-records. The extractor schema and the
// merge engine both derive from this table.
var slotFields = map[string][]string{
	"vaccine":    {"name", "date", "other_recent"},
	"tattoo":     {"date", "studio_licensed"},
	"travel":     {"destinations", "recent"},
	"donation":   {"last_date"},
	"medication": {"name", "current"},
	"symptoms":   {"present", "description"},
}

var isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

func knownTopic(topic string) bool {
	_, ok := slotFields[topic]
	return ok
}

// DeepMerge folds delta into base without ever erasing concrete knowledge:
// nested maps recurse, lists union with duplicates removed, and a scalar is
// overwritten only when the incoming value is non-null and non-empty.
// Idempotent: applying the same delta twice changes nothing further.
func DeepMerge(base, delta map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, dv := range delta {
		bv, exists := out[k]
		if !exists {
			if !isEmptyValue(dv) {
				out[k] = dv
			}
			continue
		}
		bMap, bIsMap := bv.(map[string]any)
		dMap, dIsMap := dv.(map[string]any)
		if bIsMap && dIsMap {
			out[k] = DeepMerge(bMap, dMap)
			continue
		}
		bList, bIsList := bv.([]any)
		dList, dIsList := dv.([]any)
		if bIsList && dIsList {
			out[k] = unionLists(bList, dList)
			continue
		}
		if !isEmptyValue(dv) {
			out[k] = dv
		}
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// unionLists keeps base order, appends unseen delta entries, and dedupes by
// canonical JSON form so structured sub-records compare by content.
func unionLists(base, delta []any) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(base)+len(delta))
	for _, v := range base {
		key := canonicalKey(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	for _, v := range delta {
		key := canonicalKey(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func canonicalKey(v any) string {
	if m, ok := v.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(canonicalKey(m[k]))
			b.WriteString(";")
		}
		return "{" + b.String() + "}"
	}
	return mustJSON(v)
}

// MergeSlotDelta applies an extractor delta to the per-topic slot store,
// ignoring topics outside the recognized set.
func MergeSlotDelta(slots map[string]map[string]any, delta map[string]any) {
	for topic, v := range delta {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if !knownTopic(topic) {
			continue
		}
		fields := asAnyMap(v)
		if fields == nil {
			continue
		}
		base, ok := slots[topic]
		if !ok {
			base = map[string]any{}
		}
		slots[topic] = DeepMerge(base, fields)
	}
}

// slotDate reports the first concrete ISO date stored under any topic.
func slotDate(slots map[string]map[string]any) string {
	for _, fields := range slots {
		for _, key := range []string{"date", "last_date", "return_date"} {
			if s := strings.TrimSpace(asString(fields[key])); isoDatePattern.MatchString(s) {
				return s
			}
		}
	}
	return ""
}
