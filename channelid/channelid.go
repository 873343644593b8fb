// Package channelid implements the abstract source identifier used to track a
// record's path through the tree-based overlay network. A full identifier is
// an ordered vector of per-layer sub-ids, most-significant layer first.
package channelid

import "fmt"

const (
	// Unset marks a sub-id's from-channel as "not yet set for this layer".
	Unset = -1

	// SingleStride is the stride value meaning "single element at offset",
	// used by stride-compressed sub-ids.
	SingleStride = 0xFFFFFFFF
)

type (
	// SubID is one layer's contribution to a channel identifier: either a
	// plain rank, a stride-compressed range, or unset.
	//
	// Equality and ordering treat Unset as comparing as -1, below every real
	// FromChannel value, which gives channel ids a total lexicographic order
	// even while some layers remain unset.
	SubID struct {
		// FromChannel is the originating channel within [0, FanIn), or Unset.
		FromChannel int64
		// FanIn is the number of channels feeding this layer.
		FanIn int64
		// Stride is SingleStride for a plain rank, or a real stride for a
		// compressed range starting at FromChannel (used as Offset in that
		// case).
		Stride uint32
		// strided is true once this sub-id has been marked as a
		// stride-compressed range (as opposed to a plain rank/Unset value).
		strided bool
	}

	// ID is a full channel identifier: one SubID per TBON layer traversed so
	// far, root-relative, most-significant layer first (index 0 is the
	// outermost/closest-to-root layer).
	ID []SubID
)

// Rank returns a plain (non-strided) sub-id.
func Rank(fromChannel, fanIn int64) SubID {
	return SubID{FromChannel: fromChannel, FanIn: fanIn, Stride: SingleStride}
}

// UnsetSubID returns a sub-id that is not yet set for its layer.
func UnsetSubID(fanIn int64) SubID {
	return SubID{FromChannel: Unset, FanIn: fanIn, Stride: SingleStride}
}

// Strided returns a stride-compressed sub-id covering [offset, offset+n*stride)
// in steps of stride, where n is implied by the caller's fan-in bookkeeping.
// A stride of SingleStride degrades to a plain rank at offset.
func Strided(offset int64, stride uint32, fanIn int64) SubID {
	return SubID{FromChannel: offset, FanIn: fanIn, Stride: stride, strided: stride != SingleStride}
}

// IsUnset reports whether s has not yet been assigned a channel for its layer.
func (s SubID) IsUnset() bool { return s.FromChannel == Unset }

// IsStrided reports whether s represents a compressed range rather than a
// single rank.
func (s SubID) IsStrided() bool { return s.strided }

// Offset is an alias for FromChannel when s is strided, for readability at
// call sites that only make sense for strides.
func (s SubID) Offset() int64 { return s.FromChannel }

// Covers reports whether s (a possibly strided range) covers the single rank
// represented by other. Unset never covers anything but itself.
func (s SubID) Covers(other SubID) bool {
	if s.IsUnset() || other.IsUnset() {
		return s.FromChannel == other.FromChannel
	}
	if !s.IsStrided() {
		return s.FromChannel == other.FromChannel
	}
	if !other.IsStrided() {
		delta := other.FromChannel - s.FromChannel
		return delta >= 0 && uint64(delta)%uint64(s.Stride) == 0
	}
	// other is itself a range: s covers it iff other's stride is a multiple
	// of s's and other's first offset lies on s's grid.
	if other.Stride%s.Stride != 0 {
		return false
	}
	delta := other.FromChannel - s.FromChannel
	return delta >= 0 && uint64(delta)%uint64(s.Stride) == 0
}

// Compare orders two sub-ids: Unset sorts before any set value, otherwise
// ordering is by FromChannel/Offset.
func (s SubID) Compare(o SubID) int {
	switch {
	case s.FromChannel < o.FromChannel:
		return -1
	case s.FromChannel > o.FromChannel:
		return 1
	default:
		return 0
	}
}

func (s SubID) String() string {
	if s.IsUnset() {
		return "unset"
	}
	if s.IsStrided() {
		return fmt.Sprintf("%d+%dk/%d", s.FromChannel, s.Stride, s.FanIn)
	}
	return fmt.Sprintf("%d/%d", s.FromChannel, s.FanIn)
}

// Compare orders two ids lexicographically, most-significant layer (index 0)
// first. A shorter id compares as less than a longer id that agrees on the
// shared prefix.
func (id ID) Compare(o ID) int {
	n := len(id)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := id[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(id) < len(o):
		return -1
	case len(id) > len(o):
		return 1
	default:
		return 0
	}
}

// Equal reports whether id and o have the same length and equal sub-ids.
func (id ID) Equal(o ID) bool { return id.Compare(o) == 0 }

// Clone returns an independent copy of id. Analyses that retain a channel id
// past the return of their dispatch call must Clone it first (see
// reduction.Outcome and the Placement Driver's ownership contract).
func (id ID) Clone() ID {
	if id == nil {
		return nil
	}
	out := make(ID, len(id))
	copy(out, id)
	return out
}

// WithAppended returns a new ID with sub appended as the next (least
// significant) layer, leaving id untouched.
func (id ID) WithAppended(sub SubID) ID {
	out := make(ID, len(id)+1)
	copy(out, id)
	out[len(id)] = sub
	return out
}

func (id ID) String() string {
	s := "["
	for i, sub := range id {
		if i > 0 {
			s += "."
		}
		s += sub.String()
	}
	return s + "]"
}
