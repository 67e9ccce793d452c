// Package vocabulary maps routes to the integer ids a sequence classifier was trained on.
package vocabulary

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

const (
	// PadToken is the reserved entry used for left-padding short histories.
	PadToken = "<PAD>"
	// UnknownToken is the reserved entry for routes the model has never seen.
	UnknownToken = "<UNK>"
)

var (
	ErrMissingReserved = fmt.Errorf("vocabulary is missing %s or %s", PadToken, UnknownToken)
	ErrDuplicateID     = fmt.Errorf("vocabulary contains duplicate ids")
)

// Vocabulary is a bidirectional route <-> id mapping.
// It is read-only after construction and safe for concurrent use.
type Vocabulary struct {
	ids    map[string]int
	routes map[int]string
	pad    int
	unk    int
}

// New builds a vocabulary from a list of routes.
// Sorted unique routes get ids 0..n-1, followed by PAD (n) and UNK (n+1).
func New(routes []string) *Vocabulary {
	unique := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if r == PadToken || r == UnknownToken {
			continue
		}
		unique[r] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for r := range unique {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)

	v := &Vocabulary{
		ids:    make(map[string]int, len(sorted)),
		routes: make(map[int]string, len(sorted)),
	}
	for id, r := range sorted {
		v.ids[r] = id
		v.routes[id] = r
	}
	v.pad = len(sorted)
	v.unk = len(sorted) + 1
	return v
}

// FromMap builds a vocabulary from a route -> id mapping that includes the reserved tokens.
func FromMap(m map[string]int) (*Vocabulary, error) {
	pad, okPad := m[PadToken]
	unk, okUnk := m[UnknownToken]
	if !okPad || !okUnk {
		return nil, ErrMissingReserved
	}
	v := &Vocabulary{
		ids:    make(map[string]int, len(m)),
		routes: make(map[int]string, len(m)),
		pad:    pad,
		unk:    unk,
	}
	seen := make(map[int]struct{}, len(m))
	for route, id := range m {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for route %q", id, route)
		}
		if _, dup := seen[id]; dup {
			return nil, ErrDuplicateID
		}
		seen[id] = struct{}{}
		if route == PadToken || route == UnknownToken {
			continue
		}
		v.ids[route] = id
		v.routes[id] = route
	}
	return v, nil
}

// Parse reads the vocab.json format: a JSON object of route -> id.
func Parse(r io.Reader) (*Vocabulary, error) {
	var m map[string]int
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	return FromMap(m)
}

// Lookup returns the id of the route, or the UNK id if the route is not in the vocabulary.
func (v *Vocabulary) Lookup(route string) int {
	if id, ok := v.ids[route]; ok {
		return id
	}
	return v.unk
}

// Route returns the route for an id.
// Reserved and unassigned ids report false.
func (v *Vocabulary) Route(id int) (string, bool) {
	r, ok := v.routes[id]
	return r, ok
}

func (v *Vocabulary) Pad() int     { return v.pad }
func (v *Vocabulary) Unknown() int { return v.unk }

// Reserved reports whether the id is PAD or UNK.
func (v *Vocabulary) Reserved(id int) bool {
	return id == v.pad || id == v.unk
}

// Size is the number of ids a classifier over this vocabulary must score,
// i.e. one more than the highest id in use.
func (v *Vocabulary) Size() int {
	max := v.pad
	if v.unk > max {
		max = v.unk
	}
	for id := range v.routes {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Len is the number of non-reserved routes.
func (v *Vocabulary) Len() int {
	return len(v.ids)
}

// MarshalJSON writes the vocab.json format, reserved tokens included.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, len(v.ids)+2)
	for r, id := range v.ids {
		m[r] = id
	}
	m[PadToken] = v.pad
	m[UnknownToken] = v.unk
	return json.Marshal(m)
}

// Encode turns the most recent windowSize routes into exactly windowSize ids,
// left-padded with PAD when the history is shorter.
func (v *Vocabulary) Encode(routes []string, windowSize int) []int {
	if windowSize <= 0 {
		return []int{}
	}
	if len(routes) > windowSize {
		routes = routes[len(routes)-windowSize:]
	}
	seq := make([]int, windowSize)
	offset := windowSize - len(routes)
	for i := 0; i < offset; i++ {
		seq[i] = v.pad
	}
	for i, r := range routes {
		seq[offset+i] = v.Lookup(r)
	}
	return seq
}
