// Package protocol defines the point-to-point transport primitive every
// communication strategy is built on: blocking/non-blocking send and
// receive, completion test/wait, and the handful of reserved control tokens
// every flavor of transport agrees on. See protocol/inproc and
// protocol/netproto for concrete flavors.
package protocol

import (
	"context"
	"errors"
)

// Reserved control tokens, sent as the first native 64-bit word of a
// message in place of a record uid. Values are bit-compatible with the
// wildcard-receive and shutdown-sync conventions a wire-compatible peer
// would expect, not implementation-chosen sentinels.
const (
	MessageToken     uint64 = 0xFFFFFFFE
	LongMsgToken     uint64 = 0xFFFFFFFD
	ShutdownSyncToken uint64 = 0xFFFFFFFF
	UpdateToken      uint64 = 0xFFFFFFFC
	AcknowledgeToken uint64 = 0xFFFFFFFB
)

// AnyChannel is the wildcard receive channel: "accept from whichever
// channel has a message ready". Bit-compatible with the reserved
// ShutdownSyncToken value by design (both are all-ones 32-bit fields in the
// original wire format; context disambiguates which meaning applies).
const AnyChannel uint32 = 0xFFFFFFFF

// Errors a Protocol implementation returns. These mirror spec.md §7's
// error-kind list for the subset that applies at the transport layer.
var (
	// ErrNotInitialized is returned before the protocol has connected, and
	// again after it finalizes. Strategies must buffer sends issued while
	// this error is returned and flush them on connect.
	ErrNotInitialized = errors.New("protocol: not initialized")
	// ErrOutstandingLimit is returned by a non-blocking send that would
	// exceed an implementation's outstanding-request bound.
	ErrOutstandingLimit = errors.New("protocol: outstanding request limit reached")
	// ErrGeneric is an unspecified failure that is not fatal to the place.
	ErrGeneric = errors.New("protocol: generic failure")
)

// Request is an opaque handle to an outstanding non-blocking send or
// receive. Implementations provide the concrete type; callers only ever
// pass it back to Test or Wait on the same Protocol.
type Request interface{}

// Protocol is the transport primitive strategies are built over. All
// operations are safe for concurrent use across distinct channels; ordering
// within one channel is FIFO.
type Protocol interface {
	// SSend blocks until buf has been handed to the transport for channel
	// ch. Returns ErrNotInitialized if not connected or already finalized.
	SSend(buf []byte, ch uint32) error

	// ISend enqueues buf for channel ch without blocking for completion,
	// returning a Request to Test/Wait on.
	ISend(buf []byte, ch uint32) (Request, error)

	// Recv blocks until a message arrives on ch (or, if ch is AnyChannel,
	// on any channel), copies it into buf, and reports how many bytes were
	// written and which channel it actually came from. Honors ctx
	// cancellation.
	Recv(ctx context.Context, buf []byte, ch uint32) (n int, from uint32, err error)

	// IRecv starts a non-blocking receive on ch (or AnyChannel), returning
	// a Request to Test/Wait on.
	IRecv(ch uint32) (Request, error)

	// Test reports whether req has completed without blocking. If done,
	// result buffers can be retrieved the same way Wait would return them.
	Test(req Request) (done bool, n int, from uint32, buf []byte, err error)

	// Wait blocks until req completes.
	Wait(req Request) (n int, from uint32, buf []byte, err error)

	// Shutdown transitions the protocol to finalized: further operations
	// return ErrNotInitialized.
	Shutdown() error

	// RemoveOutstandingRequests cancels every outstanding non-blocking
	// request, used by shutdown synchronization to avoid stale receives
	// consuming sync tokens.
	RemoveOutstandingRequests()

	NumChannels() int
	NumClients() int
	PlaceID() int

	// RegisterNewClientCallback registers fn to be called, with the
	// channel number, whenever a new peer connects.
	RegisterNewClientCallback(fn func(channel uint32))

	IsConnected() bool
	IsInitialized() bool
	IsFinalized() bool
}
