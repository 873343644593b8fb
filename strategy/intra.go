package strategy

import (
	"context"
	"sync/atomic"

	"github.com/mustgti/gti/protocol"
)

// Intra is the peer-to-peer communication strategy used for reduction
// coordination within one layer.
type Intra struct {
	proto   protocol.Protocol
	queue   Queue
	ownID   uint32
	immediate atomic.Bool
}

var _ PanicListener = (*Intra)(nil)

// NewIntra constructs an Intra strategy over proto, for the peer at ownID
// within its layer.
func NewIntra(proto protocol.Protocol, ownID uint32) *Intra {
	return &Intra{proto: proto, ownID: ownID}
}

// Send delivers buf to the peer at toPlace.
func (x *Intra) Send(toPlace uint32, buf []byte, free func()) error {
	defer func() {
		if free != nil {
			free()
		}
	}()
	if !x.proto.IsInitialized() {
		owned := NewOwnedBuffer(append([]byte(nil), buf...), FreeKindNone, nil)
		x.queue.Push(owned, toPlace)
		return nil
	}
	if err := x.drainQueue(); err != nil {
		return err
	}
	return x.proto.SSend(buf, toPlace)
}

func (x *Intra) drainQueue() error {
	return x.queue.Flush(func(buf []byte, ch uint32, _ bool) error {
		return x.proto.SSend(buf, ch)
	})
}

// CommunicationFinished asks every peer whether it has any in-flight
// communication pending, via the UPDATE/ACKNOWLEDGE token round trip, and
// reports true only if every peer answers within the deadline.
func (x *Intra) CommunicationFinished(ctx context.Context) bool {
	if !x.proto.IsInitialized() {
		return true
	}
	n := x.proto.NumChannels()
	token := make([]byte, 8)
	putToken(token, protocol.UpdateToken)
	for ch := 0; ch < n; ch++ {
		if uint32(ch) == x.ownID {
			continue
		}
		if err := x.proto.SSend(token, uint32(ch)); err != nil {
			return false
		}
	}
	for ch := 0; ch < n; ch++ {
		if uint32(ch) == x.ownID {
			continue
		}
		reply := make([]byte, 8)
		if _, _, err := x.proto.Recv(ctx, reply, uint32(ch)); err != nil {
			return false
		}
	}
	return true
}

// Recv reads one transmission from any peer channel, returning the raw
// record bytes and the channel (peer place id) it arrived on. Intra never
// aggregates, so unlike Up/Down.Recv there is no AggregateHandle: each
// receive is already exactly one record.
func (x *Intra) Recv(ctx context.Context) ([]byte, uint32, error) {
	buf := make([]byte, 1<<20)
	n, from, err := x.proto.Recv(ctx, buf, protocol.AnyChannel)
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), buf[:n]...), from, nil
}

// GetNumPlaces returns the number of peers in this layer, including self.
func (x *Intra) GetNumPlaces() int { return x.proto.NumChannels() }

// GetOwnPlaceID returns this place's index within its layer.
func (x *Intra) GetOwnPlaceID() uint32 { return x.ownID }

// Flush drains the pre-connect queue, if now connected.
func (x *Intra) Flush() error {
	if x.proto.IsInitialized() {
		return x.drainQueue()
	}
	return nil
}

// FlushAndSetImmediate implements PanicListener.
func (x *Intra) FlushAndSetImmediate() error {
	x.immediate.Store(true)
	return x.Flush()
}

// Shutdown drains, if flush is set, and otherwise takes no further action:
// intra shutdown has no sync handshake of its own (the driver drains
// intra traffic via CommunicationFinished before acting on a finalize
// event, per spec.md §4.6 step 6).
func (x *Intra) Shutdown(flush bool) error {
	if flush {
		return x.Flush()
	}
	return nil
}
