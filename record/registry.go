package record

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NewUID mints a tool-assigned record uid clear of the low range this
// package reserves for control records (builtin.go's UIDPanic..UIDPing):
// a random uuid folded down to 64 bits by XORing its two halves, the uid
// range a real generator would draw from at tool build time rather than at
// dlopen/registration time.
func NewUID() uint64 {
	id := uuid.New()
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])
	uid := hi ^ lo
	if uid < reservedUIDCeiling {
		uid += reservedUIDCeiling
	}
	return uid
}

// reservedUIDCeiling is one past the highest control-record uid
// (builtin.go's UIDPing); NewUID never returns a value below it.
const reservedUIDCeiling = 8

// Registry maps record uids to their Descriptor, standing in for the
// dlopen-loaded generator implementation: callers register the descriptors
// they need at construction time instead of loading them from a shared
// object at runtime.
type Registry struct {
	mu   sync.RWMutex
	byID map[uint64]*Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Descriptor)}
}

// Register adds desc to the registry. It panics if desc is nil or its uid is
// already registered with a different descriptor pointer, since that is
// always a programmer error (two generators claiming the same uid).
func (r *Registry) Register(desc *Descriptor) {
	if desc == nil {
		panic("record: Register with nil descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[desc.UID]; ok && existing != desc {
		panic(fmt.Sprintf("record: uid %#x already registered as %q", desc.UID, existing.Name))
	}
	r.byID[desc.UID] = desc
}

// Lookup returns the descriptor registered for uid, if any.
func (r *Registry) Lookup(uid uint64) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[uid]
	return d, ok
}

// Deserialize extracts buf's uid, looks up the matching descriptor, and
// deserializes buf against it. Returns ErrUnknownField wrapped with the uid
// if no descriptor is registered for it.
func (r *Registry) Deserialize(buf []byte) (*Instance, error) {
	uid, err := ExtractUID(buf)
	if err != nil {
		return nil, err
	}
	desc, ok := r.Lookup(uid)
	if !ok {
		return nil, fmt.Errorf("%w: no descriptor registered for uid %#x", ErrUnknownField, uid)
	}
	return Deserialize(desc, buf)
}
