package steps

import (
	"reflect"
	"testing"
)

func TestDeepMergeScalars(t *testing.T) {
	cases := []struct {
		name  string
		base  map[string]any
		delta map[string]any
		want  map[string]any
	}{
		{
			name:  "concrete_overwrites",
			base:  map[string]any{"date": "2026-01-01"},
			delta: map[string]any{"date": "2026-02-02"},
			want:  map[string]any{"date": "2026-02-02"},
		},
		{
			name:  "null_never_erases",
			base:  map[string]any{"date": "2026-01-01"},
			delta: map[string]any{"date": nil},
			want:  map[string]any{"date": "2026-01-01"},
		},
		{
			name:  "empty_string_never_erases",
			base:  map[string]any{"name": "flu shot"},
			delta: map[string]any{"name": ""},
			want:  map[string]any{"name": "flu shot"},
		},
		{
			name:  "false_is_concrete",
			base:  map[string]any{"other_recent": true},
			delta: map[string]any{"other_recent": false},
			want:  map[string]any{"other_recent": false},
		},
		{
			name:  "new_key_added",
			base:  map[string]any{},
			delta: map[string]any{"present": false},
			want:  map[string]any{"present": false},
		},
		{
			name:  "empty_new_key_skipped",
			base:  map[string]any{},
			delta: map[string]any{"date": nil},
			want:  map[string]any{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeepMerge(tc.base, tc.delta)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DeepMerge = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDeepMergeNested(t *testing.T) {
	base := map[string]any{
		"travel": map[string]any{
			"recent":       true,
			"destinations": []any{map[string]any{"country": "Kenya", "return_date": "2026-07-01"}},
		},
	}
	delta := map[string]any{
		"travel": map[string]any{
			"recent":       nil,
			"destinations": []any{map[string]any{"country": "Brazil", "return_date": nil}},
		},
	}
	got := DeepMerge(base, delta)

	travel := got["travel"].(map[string]any)
	if travel["recent"] != true {
		t.Fatalf("nested null erased concrete value: %v", travel["recent"])
	}
	dests := travel["destinations"].([]any)
	if len(dests) != 2 {
		t.Fatalf("destinations union = %v, want 2 entries", dests)
	}
}

func TestDeepMergeListUnion(t *testing.T) {
	base := map[string]any{"destinations": []any{"Kenya", "Brazil"}}
	delta := map[string]any{"destinations": []any{"Brazil", "Peru"}}
	got := DeepMerge(base, delta)
	want := []any{"Kenya", "Brazil", "Peru"}
	if !reflect.DeepEqual(got["destinations"], want) {
		t.Fatalf("list union = %v, want %v", got["destinations"], want)
	}
}

func TestDeepMergeIdempotent(t *testing.T) {
	base := map[string]any{
		"vaccine": map[string]any{"name": "flu shot", "date": "2026-05-01", "other_recent": false},
		"travel":  map[string]any{"destinations": []any{"Kenya"}},
	}
	delta := map[string]any{
		"vaccine": map[string]any{"name": "", "date": "2026-06-01", "other_recent": nil},
		"travel":  map[string]any{"destinations": []any{"Kenya", "Peru"}},
	}
	once := DeepMerge(base, delta)
	twice := DeepMerge(once, delta)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("DeepMerge not idempotent:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestMergeSlotDelta(t *testing.T) {
	slots := map[string]map[string]any{
		"tattoo": {"date": "2026-08-20"},
	}
	MergeSlotDelta(slots, map[string]any{
		"tattoo":       map[string]any{"date": nil, "studio_licensed": true},
		"vaccine":      map[string]any{"other_recent": false},
		"unrecognized": map[string]any{"field": "x"},
	})

	if slots["tattoo"]["date"] != "2026-08-20" {
		t.Fatalf("tattoo date erased: %v", slots["tattoo"])
	}
	if slots["tattoo"]["studio_licensed"] != true {
		t.Fatalf("studio_licensed not merged: %v", slots["tattoo"])
	}
	if b, ok := slots["vaccine"]["other_recent"].(bool); !ok || b {
		t.Fatalf("vaccine.other_recent = %v, want false", slots["vaccine"]["other_recent"])
	}
	if _, ok := slots["unrecognized"]; ok {
		t.Fatalf("unrecognized topic merged: %v", slots)
	}
}

func TestSlotDate(t *testing.T) {
	if got := slotDate(map[string]map[string]any{"tattoo": {"date": "2026-08-20"}}); got != "2026-08-20" {
		t.Fatalf("slotDate = %q", got)
	}
	if got := slotDate(map[string]map[string]any{"donation": {"last_date": "none"}}); got != "" {
		t.Fatalf("slotDate on non-date = %q", got)
	}
	if got := slotDate(map[string]map[string]any{}); got != "" {
		t.Fatalf("slotDate on empty = %q", got)
	}
}
