package table

import (
	"bytes"
	"encoding/json"

	"github.com/stratakv/strata/pkg/types"
)

// LWW is a last-writer-wins register: the value with the highest
// (timestamp, node, payload) tuple wins. The node id and payload break
// timestamp ties deterministically, so concurrent writes with equal
// timestamps still converge.
type LWW struct {
	TS      int64        `json:"ts"`
	Node    types.NodeID `json:"node"`
	Payload []byte       `json:"payload,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

// NewLWW creates a live register entry.
func NewLWW(ts int64, node types.NodeID, payload []byte) *LWW {
	return &LWW{TS: ts, Node: node, Payload: payload}
}

// NewLWWTombstone creates a deletion that dominates any entry with a
// lower timestamp.
func NewLWWTombstone(ts int64, node types.NodeID) *LWW {
	return &LWW{TS: ts, Node: node, Deleted: true}
}

func (l *LWW) Merge(other Value) Value {
	o, ok := other.(*LWW)
	if !ok {
		return l
	}
	if o.TS != l.TS {
		if o.TS > l.TS {
			return o
		}
		return l
	}
	if o.Node != l.Node {
		if o.Node > l.Node {
			return o
		}
		return l
	}
	if bytes.Compare(o.Payload, l.Payload) > 0 {
		return o
	}
	return l
}

func (l *LWW) Encode() ([]byte, error) { return json.Marshal(l) }

func (l *LWW) IsTombstone() bool { return l.Deleted }

// LWWSchema builds the schema for a last-writer-wins table.
func LWWSchema(name string) Schema {
	return Schema{
		Name: name,
		Decode: func(data []byte) (Value, error) {
			var l LWW
			if err := json.Unmarshal(data, &l); err != nil {
				return nil, err
			}
			return &l, nil
		},
	}
}
