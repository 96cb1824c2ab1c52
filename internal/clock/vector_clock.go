// Package clock implements the vector clock used to order peer state changes.
package clock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrInvalidCounter is returned when a transferable clock holds a value that
// is not a non-negative integer.
var ErrInvalidCounter = errors.New("clock: counter must be a non-negative integer")

// VectorClock maps peer IDs to counters. A missing peer ID reads as 0.
// Not goroutine-safe; owners serialize access.
type VectorClock map[string]int64

// Ordering is the relationship between two vector clocks
type Ordering int

const (
	// Concurrent covers both true concurrency and identical clocks.
	Concurrent Ordering = iota
	Before
	After
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	default:
		return "CONCURRENT"
	}
}

// New returns an empty clock
func New() VectorClock { return make(VectorClock) }

// Increment advances the counter for peerID by one.
func (vc VectorClock) Increment(peerID string) {
	vc[peerID]++
}

// Get returns the counter for peerID, or 0 if unknown.
func (vc VectorClock) Get(peerID string) int64 {
	return vc[peerID]
}

// Set assigns a counter directly. No monotonic floor is enforced.
func (vc VectorClock) Set(peerID string, value int64) {
	vc[peerID] = value
}

// Merge takes the per-peer maximum of vc and other, writing into vc.
// other is only read.
func (vc VectorClock) Merge(other VectorClock) {
	for peerID, counter := range other {
		if vc[peerID] < counter {
			vc[peerID] = counter
		}
	}
}

// Compare returns After if vc strictly dominates other, Before if other
// strictly dominates vc, and Concurrent otherwise. Identical clocks are
// Concurrent.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	hasGreater, hasLess := false, false

	for peerID, v1 := range vc {
		v2 := other[peerID]
		if v1 > v2 {
			hasGreater = true
		} else if v1 < v2 {
			hasLess = true
		}
	}
	for peerID, v2 := range other {
		if _, ok := vc[peerID]; ok {
			continue
		}
		if v2 > 0 {
			hasLess = true
		} else if v2 < 0 {
			hasGreater = true
		}
	}

	switch {
	case hasGreater && !hasLess:
		return After
	case hasLess && !hasGreater:
		return Before
	default:
		return Concurrent
	}
}

// HappensBefore reports whether other strictly dominates vc.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// HappensAfter reports whether vc strictly dominates other.
func (vc VectorClock) HappensAfter(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent reports whether neither clock dominates the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Equal reports whether both clocks hold the same counters, treating an
// absent peer as 0.
func (vc VectorClock) Equal(other VectorClock) bool {
	for peerID, v := range vc {
		if other[peerID] != v {
			return false
		}
	}
	for peerID, v := range other {
		if vc[peerID] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Peers returns the peer IDs present in the clock in sorted order.
func (vc VectorClock) Peers() []string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the clock deterministically, e.g. {a:1, b:2}.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(vc))
	for _, k := range vc.Peers() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ToTransferable returns an independent id->counter mapping for transmission.
// encoding/json emits map keys in sorted order, so the encoded form is ordered.
func (vc VectorClock) ToTransferable() map[string]int64 {
	out := make(map[string]int64, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// FromTransferable rebuilds a clock from a decoded JSON object. Every value
// must be a non-negative integer; anything else fails the whole clock.
func FromTransferable(obj map[string]interface{}) (VectorClock, error) {
	vc := make(VectorClock, len(obj))
	for peerID, raw := range obj {
		n, err := toCounter(raw)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", peerID, err)
		}
		vc[peerID] = n
	}
	return vc, nil
}

func toCounter(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		if v < 0 {
			return 0, ErrInvalidCounter
		}
		return int64(v), nil
	case int64:
		if v < 0 {
			return 0, ErrInvalidCounter
		}
		return v, nil
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt64 {
			return 0, ErrInvalidCounter
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, ErrInvalidCounter
		}
		return n, nil
	default:
		return 0, ErrInvalidCounter
	}
}

// MarshalJSON encodes the transferable form. A nil clock encodes as {}.
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(vc.ToTransferable())
}

// UnmarshalJSON decodes through FromTransferable so invalid counters are
// rejected the same way on every path.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return err
	}
	if obj == nil {
		*vc = nil
		return nil
	}
	decoded, err := FromTransferable(obj)
	if err != nil {
		return err
	}
	*vc = decoded
	return nil
}
