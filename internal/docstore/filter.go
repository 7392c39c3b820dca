package docstore

import (
	"bytes"
	"encoding/json"
)

// Match reports whether a decoded document satisfies the filter. An empty or
// nil filter matches everything.
func Match(doc map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values by their JSON encoding. This makes filter
// values written as Go ints match numbers decoded from storage as float64.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
