package place

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mustgti/gti/protocol"
)

type fanoutItem struct {
	buf  []byte
	from uint32
}

// fanout composes several single-channel protocol.Protocol connections
// (one netproto.Conn per child or per peer) into a single multi-channel
// Protocol, the role protocol/inproc's Hub plays for the in-process flavor:
// one background pump goroutine per connection feeds a shared queue guarded
// by the same "recreate a closed channel" wakeup inproc's fifo uses, so a
// wildcard Recv and a targeted Recv can both drain it without missing a
// wakeup.
type fanout struct {
	conns []protocol.Protocol

	mu   sync.Mutex
	buf  []fanoutItem
	sig  chan struct{}

	placeID     atomic.Int64
	newClientCB atomic.Value // func(uint32)
}

var _ protocol.Protocol = (*fanout)(nil)

// newFanout starts pumping every conn into the shared queue. conns[i] is
// channel i as seen through this fanout.
func newFanout(conns []protocol.Protocol) *fanout {
	f := &fanout{conns: conns, sig: make(chan struct{})}
	for i, c := range conns {
		i := uint32(i)
		c.RegisterNewClientCallback(func(uint32) {
			if cb := f.newClientCB.Load(); cb != nil {
				cb.(func(uint32))(i)
			}
		})
		go f.pump(i, c)
	}
	return f
}

func (f *fanout) pump(ch uint32, c protocol.Protocol) {
	raw := make([]byte, 1<<20)
	for {
		n, from, err := c.Recv(context.Background(), raw, ch)
		if err != nil {
			return
		}
		f.push(fanoutItem{buf: append([]byte(nil), raw[:n]...), from: from})
	}
}

func (f *fanout) push(it fanoutItem) {
	f.mu.Lock()
	f.buf = append(f.buf, it)
	close(f.sig)
	f.sig = make(chan struct{})
	f.mu.Unlock()
}

func (f *fanout) SSend(buf []byte, ch uint32) error {
	if ch >= uint32(len(f.conns)) {
		return protocol.ErrGeneric
	}
	return f.conns[ch].SSend(buf, 0)
}

func (f *fanout) ISend(buf []byte, ch uint32) (protocol.Request, error) {
	if ch >= uint32(len(f.conns)) {
		return nil, protocol.ErrGeneric
	}
	return f.conns[ch].ISend(buf, 0)
}

// Recv pops the oldest queued item matching ch (or, if ch is
// protocol.AnyChannel, the oldest item from any channel), blocking until
// one arrives or ctx is done.
func (f *fanout) Recv(ctx context.Context, buf []byte, ch uint32) (int, uint32, error) {
	for {
		f.mu.Lock()
		for i, it := range f.buf {
			if ch == protocol.AnyChannel || it.from == ch {
				f.buf = append(f.buf[:i:i], f.buf[i+1:]...)
				f.mu.Unlock()
				return copy(buf, it.buf), it.from, nil
			}
		}
		sig := f.sig
		f.mu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
}

func (f *fanout) IRecv(ch uint32) (protocol.Request, error) {
	if ch != protocol.AnyChannel && ch >= uint32(len(f.conns)) {
		return nil, protocol.ErrGeneric
	}
	return f.conns[0].IRecv(ch)
}

func (f *fanout) Test(req protocol.Request) (bool, int, uint32, []byte, error) {
	return f.conns[0].Test(req)
}

func (f *fanout) Wait(req protocol.Request) (int, uint32, []byte, error) {
	return f.conns[0].Wait(req)
}

func (f *fanout) Shutdown() error {
	var firstErr error
	for _, c := range f.conns {
		if err := c.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) RemoveOutstandingRequests() {
	for _, c := range f.conns {
		c.RemoveOutstandingRequests()
	}
}

func (f *fanout) NumChannels() int { return len(f.conns) }

func (f *fanout) NumClients() int {
	n := 0
	for _, c := range f.conns {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

func (f *fanout) PlaceID() int { return int(f.placeID.Load()) }

func (f *fanout) SetPlaceID(id int) { f.placeID.Store(int64(id)) }

func (f *fanout) RegisterNewClientCallback(fn func(channel uint32)) {
	f.newClientCB.Store(fn)
}

func (f *fanout) IsConnected() bool {
	for _, c := range f.conns {
		if c.IsConnected() {
			return true
		}
	}
	return len(f.conns) == 0
}

func (f *fanout) IsInitialized() bool { return f.IsConnected() }

func (f *fanout) IsFinalized() bool {
	for _, c := range f.conns {
		if !c.IsFinalized() {
			return false
		}
	}
	return true
}
