package table

import (
	"fmt"

	"github.com/stratakv/strata/pkg/types"
)

// Value is the lattice element a table stores. Merge must be
// deterministic, commutative, associative, and idempotent; Encode must
// be canonical (equal values encode to equal bytes), since replicas
// compare encodings to detect no-op writes and Merkle hashes are taken
// over encodings.
type Value interface {
	// Merge combines the receiver with another value of the same
	// concrete type and returns the join.
	Merge(other Value) Value

	// Encode serializes the value canonically.
	Encode() ([]byte, error)

	// IsTombstone reports whether the value marks a deletion and
	// dominates every live value for its key.
	IsTombstone() bool
}

// Schema is the capability record a table is constructed with: a name
// and the codec for its value type.
type Schema struct {
	Name   string
	Decode func([]byte) (Value, error)
}

// mergeEncoded joins two encoded values and reports the resulting
// value alongside its encoding.
func (s Schema) mergeEncoded(a, b []byte) ([]byte, Value, error) {
	va, err := s.Decode(a)
	if err != nil {
		return nil, nil, fmt.Errorf("table %s: undecodable stored value: %w", s.Name, types.ErrCorrupted)
	}
	vb, err := s.Decode(b)
	if err != nil {
		return nil, nil, fmt.Errorf("table %s: undecodable incoming value: %w", s.Name, types.ErrProtocol)
	}
	merged := va.Merge(vb)
	enc, err := merged.Encode()
	if err != nil {
		return nil, nil, err
	}
	return enc, merged, nil
}
