package table

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stratakv/strata/pkg/types"
)

// VectorClock tracks per-node write sequence numbers. Clocks compare
// by dominance; incomparable clocks mean concurrent writes.
type VectorClock map[string]uint64

// Dominates reports whether c >= o on every component.
func (c VectorClock) Dominates(o VectorClock) bool {
	for node, seq := range o {
		if c[node] < seq {
			return false
		}
	}
	return true
}

// Equal reports component-wise equality.
func (c VectorClock) Equal(o VectorClock) bool {
	return c.Dominates(o) && o.Dominates(c)
}

// join returns the component-wise maximum.
func (c VectorClock) join(o VectorClock) VectorClock {
	out := make(VectorClock, len(c)+len(o))
	for n, s := range c {
		out[n] = s
	}
	for n, s := range o {
		if s > out[n] {
			out[n] = s
		}
	}
	return out
}

// canonical is a stable string form used for sorting entries.
func (c VectorClock) canonical() string {
	data, _ := json.Marshal(c) // map keys sort
	return string(data)
}

// CausalToken is the opaque causality token handed to clients. It is
// a base64-wrapped vector clock; clients must treat it as opaque.
type CausalToken string

// EmptyToken is the token of a client that has observed nothing.
const EmptyToken CausalToken = ""

func (t CausalToken) clock() (VectorClock, error) {
	if t == "" {
		return VectorClock{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(t))
	if err != nil {
		return nil, fmt.Errorf("malformed causality token: %w", types.ErrProtocol)
	}
	var c VectorClock
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("malformed causality token: %w", types.ErrProtocol)
	}
	return c, nil
}

func tokenFor(c VectorClock) CausalToken {
	if len(c) == 0 {
		return EmptyToken
	}
	data, _ := json.Marshal(c)
	return CausalToken(base64.RawURLEncoding.EncodeToString(data))
}

// CausalEntry is one sibling: a payload stamped with the clock of the
// write that produced it.
type CausalEntry struct {
	Clock     VectorClock `json:"clock"`
	Payload   []byte      `json:"payload,omitempty"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

// CausalSet keeps the concurrent siblings of a key: entries whose
// clocks are pairwise incomparable. Merging two sets unions the
// entries and drops dominated ones, so a write stamped with a token
// the client obtained from a read replaces everything that read saw,
// while concurrent writes survive side by side.
type CausalSet struct {
	Entries []CausalEntry `json:"entries"`
}

// NewCausalValue stamps payload with the successor of the client's
// token clock at node.
func NewCausalValue(token CausalToken, node types.NodeID, payload []byte, tombstone bool) (*CausalSet, error) {
	clock, err := token.clock()
	if err != nil {
		return nil, err
	}
	next := clock.join(nil)
	next[string(node)]++
	return &CausalSet{Entries: []CausalEntry{{Clock: next, Payload: payload, Tombstone: tombstone}}}, nil
}

func (s *CausalSet) Merge(other Value) Value {
	o, ok := other.(*CausalSet)
	if !ok {
		return s
	}
	all := make([]CausalEntry, 0, len(s.Entries)+len(o.Entries))
	all = append(all, s.Entries...)
	all = append(all, o.Entries...)

	var kept []CausalEntry
	for i, e := range all {
		dominated := false
		for j, f := range all {
			if i == j {
				continue
			}
			if f.Clock.Dominates(e.Clock) {
				if !e.Clock.Equal(f.Clock) {
					dominated = true
					break
				}
				// Equal clocks: keep the first occurrence only.
				if j < i {
					dominated = true
					break
				}
			}
		}
		if !dominated {
			kept = append(kept, e)
		}
	}

	sort.Slice(kept, func(a, b int) bool {
		return kept[a].Clock.canonical() < kept[b].Clock.canonical()
	})
	return &CausalSet{Entries: kept}
}

func (s *CausalSet) Encode() ([]byte, error) { return json.Marshal(s) }

// IsTombstone reports whether every surviving sibling is a deletion.
func (s *CausalSet) IsTombstone() bool {
	if len(s.Entries) == 0 {
		return true
	}
	for _, e := range s.Entries {
		if !e.Tombstone {
			return false
		}
	}
	return true
}

// Token returns the causality token dominating every sibling.
func (s *CausalSet) Token() CausalToken {
	merged := VectorClock{}
	for _, e := range s.Entries {
		merged = merged.join(e.Clock)
	}
	return tokenFor(merged)
}

// Values returns the live sibling payloads.
func (s *CausalSet) Values() [][]byte {
	var out [][]byte
	for _, e := range s.Entries {
		if !e.Tombstone {
			out = append(out, e.Payload)
		}
	}
	return out
}

// CausalSchema builds the schema for a causal sibling-set table.
func CausalSchema(name string) Schema {
	return Schema{
		Name: name,
		Decode: func(data []byte) (Value, error) {
			var s CausalSet
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}
}
