package place

import (
	"context"

	"github.com/mustgti/gti/protocol"
)

// noopProtocol stands in for a direction a place has no real peer on: the
// root place's Up strategy, or a single-peer layer's Intra strategy. Recv
// blocks on ctx like a genuinely empty connection would, rather than
// returning immediately and starving the driver's flood-control backoff.
type noopProtocol struct{}

var _ protocol.Protocol = noopProtocol{}

func (noopProtocol) SSend([]byte, uint32) error { return protocol.ErrNotInitialized }

func (noopProtocol) ISend([]byte, uint32) (protocol.Request, error) {
	return nil, protocol.ErrNotInitialized
}

func (noopProtocol) Recv(ctx context.Context, _ []byte, _ uint32) (int, uint32, error) {
	<-ctx.Done()
	return 0, 0, ctx.Err()
}

func (noopProtocol) IRecv(uint32) (protocol.Request, error) {
	return nil, protocol.ErrNotInitialized
}

func (noopProtocol) Test(protocol.Request) (bool, int, uint32, []byte, error) {
	return true, 0, 0, nil, protocol.ErrNotInitialized
}

func (noopProtocol) Wait(protocol.Request) (int, uint32, []byte, error) {
	return 0, 0, nil, protocol.ErrNotInitialized
}

func (noopProtocol) Shutdown() error { return nil }

func (noopProtocol) RemoveOutstandingRequests() {}

func (noopProtocol) NumChannels() int { return 0 }

func (noopProtocol) NumClients() int { return 0 }

func (noopProtocol) PlaceID() int { return 0 }

func (noopProtocol) RegisterNewClientCallback(func(uint32)) {}

func (noopProtocol) IsConnected() bool { return false }

func (noopProtocol) IsInitialized() bool { return false }

func (noopProtocol) IsFinalized() bool { return true }
