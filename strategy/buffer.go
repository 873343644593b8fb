// Package strategy implements the three communication-strategy tiers
// layered over a protocol.Protocol (C5), the pre-connect send queue they
// share (C4), and the panic/shutdown machinery every tier participates in
// (C10's PanicListener contract).
package strategy

import "sync"

// FreeKind distinguishes why a buffer handle's free function exists,
// replacing the source's overloaded `free_data == (void*)1` sentinel for
// long-message aggregates with a proper sum type.
type FreeKind int

const (
	// FreeKindNone means the buffer owns no external resource; Release is a
	// no-op even if called.
	FreeKindNone FreeKind = iota
	// FreeKindCallback means Release invokes a caller-supplied free
	// function exactly once.
	FreeKindCallback
	// FreeKindLongMessage marks a buffer that arrived via the long-message
	// token path; Release treats it exactly like FreeKindCallback, calling
	// the free function (if any) once.
	FreeKindLongMessage
)

// OwnedBuffer is a buffer transferred by move: whoever holds it is
// obligated to call Release exactly once. Cloning for retention past a
// single dispatch must be explicit (Clone).
type OwnedBuffer struct {
	Data []byte
	Kind FreeKind

	once sync.Once
	free func()
}

// NewOwnedBuffer wraps data with free, called at most once by Release. free
// may be nil, equivalent to FreeKindNone.
func NewOwnedBuffer(data []byte, kind FreeKind, free func()) *OwnedBuffer {
	return &OwnedBuffer{Data: data, Kind: kind, free: free}
}

// Release calls the owned free function exactly once, idempotently.
func (b *OwnedBuffer) Release() {
	b.once.Do(func() {
		if b.free != nil {
			b.free()
		}
	})
}

// Clone returns an independent OwnedBuffer over a copy of Data, with no
// owned free function, suitable for an analysis to retain past its
// invocation.
func (b *OwnedBuffer) Clone() *OwnedBuffer {
	cp := make([]byte, len(b.Data))
	copy(cp, b.Data)
	return &OwnedBuffer{Data: cp, Kind: FreeKindNone}
}
