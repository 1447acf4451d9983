// Package vclock implements per-device logical counters used to order
// events causally across devices that edit independently.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	ADominates
	BDominates
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case ADominates:
		return "a_dominates"
	case BDominates:
		return "b_dominates"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("ordering(%d)", int(o))
}

// Clock maps device id to counter. A missing entry reads as zero.
// Clocks are treated as values: every operation returns a fresh map.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock { return Clock{} }

// Copy returns an independent copy of c. A nil clock copies to an empty one.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the counter for device, zero when absent.
func (c Clock) Get(device string) uint64 { return c[device] }

// Increment returns a copy of c with device's counter bumped by one.
// The caller persists the result atomically with the event it stamps.
func (c Clock) Increment(device string) Clock {
	out := c.Copy()
	out[device]++
	return out
}

// Merge returns the element-wise maximum of a and b over the union of ids.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare reports the causal relation between a and b.
func Compare(a, b Clock) Ordering {
	aBigger, bBigger := false, false
	for k, av := range a {
		bv := b[k]
		if av > bv {
			aBigger = true
		} else if av < bv {
			bBigger = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok && bv > 0 {
			bBigger = true
		}
	}
	switch {
	case aBigger && bBigger:
		return Concurrent
	case aBigger:
		return ADominates
	case bBigger:
		return BDominates
	default:
		return Equal
	}
}

// HappensBefore reports whether a causally precedes b.
func HappensBefore(a, b Clock) bool { return Compare(a, b) == BDominates }

// IsConcurrent reports whether neither clock dominates the other.
func IsConcurrent(a, b Clock) bool { return Compare(a, b) == Concurrent }

// Encode serializes c as a JSON object. Nil encodes as "{}".
func (c Clock) Encode() []byte {
	if c == nil {
		return []byte("{}")
	}
	data, _ := json.Marshal(map[string]uint64(c))
	return data
}

// Decode parses a JSON-encoded clock. Empty input yields an empty clock.
func Decode(data []byte) (Clock, error) {
	c := New()
	if len(strings.TrimSpace(string(data))) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, (*map[string]uint64)(&c)); err != nil {
		return nil, fmt.Errorf("decode vector clock: %w", err)
	}
	if c == nil {
		c = New()
	}
	return c, nil
}

// String renders the clock with sorted keys, e.g. "{a:2 b:1}".
func (c Clock) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", k, c[k])
	}
	b.WriteByte('}')
	return b.String()
}
