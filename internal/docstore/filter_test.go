package docstore

import "testing"

func TestMatch(t *testing.T) {
	doc := map[string]any{
		"id":    "a1",
		"live":  true,
		"count": float64(3), // JSON numbers decode as float64
		"name":  "alpha",
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"nil matches", nil, true},
		{"empty matches", Filter{}, true},
		{"single field", Filter{"id": "a1"}, true},
		{"two fields", Filter{"id": "a1", "live": true}, true},
		{"int vs float64", Filter{"count": 3}, true},
		{"wrong value", Filter{"id": "b2"}, false},
		{"missing key", Filter{"ghost": "x"}, false},
		{"bool mismatch", Filter{"live": false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(doc, tc.filter); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}
