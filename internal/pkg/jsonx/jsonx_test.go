package jsonx

import "testing"

func TestRecover(t *testing.T) {
	cases := []struct {
		name string
		in   string
		key  string
		want float64
	}{
		{
			name: "fenced_block",
			in:   "```json\n{\"a\":1}\n```",
			key:  "a",
			want: 1,
		},
		{
			name: "fenced_block_mixed_case",
			in:   "```JSON\n{\"a\": 2}\n```",
			key:  "a",
			want: 2,
		},
		{
			name: "bare_object",
			in:   "{\"a\":3}",
			key:  "a",
			want: 3,
		},
		{
			name: "object_with_prose",
			in:   "prefix {\"a\":1} suffix",
			key:  "a",
			want: 1,
		},
		{
			name: "nested_object_with_prose",
			in:   "Sure, here you go: {\"a\":4,\"b\":{\"c\":5}} hope that helps",
			key:  "a",
			want: 4,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Recover(tc.in)
			v, ok := got[tc.key].(float64)
			if !ok || v != tc.want {
				t.Fatalf("Recover(%q)[%q]=%v, want %v", tc.in, tc.key, got[tc.key], tc.want)
			}
		})
	}
}

func TestRecoverGarbage(t *testing.T) {
	for _, in := range []string{"", "not json at all", "{broken", "```json\nnope\n```", "[1,2,3]"} {
		got := Recover(in)
		if got == nil {
			t.Fatalf("Recover(%q) returned nil, want empty map", in)
		}
		if len(got) != 0 {
			t.Fatalf("Recover(%q)=%v, want empty map", in, got)
		}
	}
}

func TestRecoverBrokenFenceFallsThrough(t *testing.T) {
	// Fenced content is invalid, but the raw-substring attempt still finds
	// the object embedded in the surrounding text.
	in := "```json\nnot actually json\n``` result: {\"a\":9}"
	got := Recover(in)
	if v, ok := got["a"].(float64); !ok || v != 9 {
		t.Fatalf("Recover fallthrough got %v, want a=9", got)
	}
}
