package inproc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eventloop"

	"github.com/mustgti/gti/protocol"
)

type role int

const (
	roleUp role = iota
	roleDown
)

// Endpoint is one side of a Hub connection and implements protocol.Protocol.
type Endpoint struct {
	hub        *Hub
	role       role
	childIndex uint32 // valid only for roleUp

	initialized atomic.Bool
	finalized   atomic.Bool

	placeID atomic.Int64

	newClientCB atomic.Value // func(uint32)

	outstandingMu sync.Mutex
	outstanding   map[*request]struct{}
}

var _ protocol.Protocol = (*Endpoint)(nil)

func (e *Endpoint) recvQueue() *fifo {
	if e.role == roleUp {
		return e.hub.toChild[e.childIndex]
	}
	return e.hub.toParent
}

// resolveSend returns the destination queue for a send on logical channel
// ch, and the from-channel value recipients will observe.
func (e *Endpoint) resolveSend(ch uint32) (*fifo, uint32, error) {
	if e.role == roleUp {
		return e.hub.toParent, e.childIndex, nil
	}
	if int(ch) >= len(e.hub.toChild) {
		return nil, 0, fmt.Errorf("%w: channel %d out of range", protocol.ErrGeneric, ch)
	}
	return e.hub.toChild[ch], uint32(e.placeID.Load()), nil
}

func (e *Endpoint) SSend(buf []byte, ch uint32) error {
	if !e.IsInitialized() {
		return protocol.ErrNotInitialized
	}
	dst, from, err := e.resolveSend(ch)
	if err != nil {
		return err
	}
	data := append([]byte(nil), buf...)
	done := make(chan struct{})
	if err := e.hub.loop.Submit(eventloop.Task{Runnable: func() {
		dst.push(item{buf: data, from: from})
		close(done)
	}}); err != nil {
		return fmt.Errorf("protocol: submit: %w", err)
	}
	<-done
	return nil
}

type request struct {
	mu     sync.Mutex
	done   bool
	n      int
	from   uint32
	buf    []byte
	err    error
	doneCh chan struct{}
	cancel context.CancelFunc
}

func newRequest() *request {
	return &request{doneCh: make(chan struct{})}
}

func (r *request) complete(n int, from uint32, buf []byte, err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done, r.n, r.from, r.buf, r.err = true, n, from, buf, err
	close(r.doneCh)
	r.mu.Unlock()
}

func (e *Endpoint) trackRequest(r *request) {
	e.outstandingMu.Lock()
	if e.outstanding == nil {
		e.outstanding = make(map[*request]struct{})
	}
	e.outstanding[r] = struct{}{}
	e.outstandingMu.Unlock()
}

func (e *Endpoint) untrackRequest(r *request) {
	e.outstandingMu.Lock()
	delete(e.outstanding, r)
	e.outstandingMu.Unlock()
}

func (e *Endpoint) ISend(buf []byte, ch uint32) (protocol.Request, error) {
	if !e.IsInitialized() {
		return nil, protocol.ErrNotInitialized
	}
	r := newRequest()
	e.trackRequest(r)
	if err := e.SSend(buf, ch); err != nil {
		r.complete(0, 0, nil, err)
		e.untrackRequest(r)
		return r, err
	}
	r.complete(len(buf), 0, nil, nil)
	e.untrackRequest(r)
	return r, nil
}

// Recv blocks for a message on ch. On the down side, ch is typically
// protocol.AnyChannel: all children share one recv queue, so a targeted
// receive for one specific child would require per-child queues this
// implementation does not keep (the driver always wildcard-receives here).
func (e *Endpoint) Recv(ctx context.Context, buf []byte, ch uint32) (int, uint32, error) {
	if !e.IsInitialized() {
		return 0, 0, protocol.ErrNotInitialized
	}
	q := e.recvQueue()
	for {
		if it, ok := q.tryPop(); ok {
			n := copy(buf, it.buf)
			return n, it.from, nil
		}
		if q.isFinalized() {
			return 0, 0, protocol.ErrNotInitialized
		}
		select {
		case <-q.waitSignal():
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
}

func (e *Endpoint) IRecv(ch uint32) (protocol.Request, error) {
	if !e.IsInitialized() {
		return nil, protocol.ErrNotInitialized
	}
	r := newRequest()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	e.trackRequest(r)
	go func() {
		defer e.untrackRequest(r)
		buf := make([]byte, 1<<20)
		n, from, err := e.Recv(ctx, buf, ch)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by RemoveOutstandingRequests, not by the
				// caller's own deadline: report it the same way a removed
				// request would be reported mid-shutdown.
				err = protocol.ErrNotInitialized
			}
			r.complete(0, 0, nil, err)
			return
		}
		r.complete(n, from, buf[:n], nil)
	}()
	return r, nil
}

func (e *Endpoint) Test(req protocol.Request) (bool, int, uint32, []byte, error) {
	r := req.(*request)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.n, r.from, r.buf, r.err
}

func (e *Endpoint) Wait(req protocol.Request) (int, uint32, []byte, error) {
	r := req.(*request)
	<-r.doneCh
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n, r.from, r.buf, r.err
}

func (e *Endpoint) Shutdown() error {
	e.finalized.Store(true)
	e.recvQueue().finalize()
	e.RemoveOutstandingRequests()
	return nil
}

func (e *Endpoint) RemoveOutstandingRequests() {
	e.outstandingMu.Lock()
	pending := make([]*request, 0, len(e.outstanding))
	for r := range e.outstanding {
		pending = append(pending, r)
	}
	e.outstanding = make(map[*request]struct{})
	e.outstandingMu.Unlock()

	for _, r := range pending {
		if r.cancel != nil {
			r.cancel()
		} else {
			// No associated goroutine (e.g. a completed ISend request):
			// nothing to cancel, and complete() is a no-op if it already
			// finished.
			r.complete(0, 0, nil, protocol.ErrNotInitialized)
		}
	}
}

func (e *Endpoint) NumChannels() int {
	if e.role == roleUp {
		return 1
	}
	return len(e.hub.toChild)
}

func (e *Endpoint) NumClients() int {
	if e.role == roleUp {
		return 1
	}
	return e.hub.connectedCount()
}

func (e *Endpoint) PlaceID() int { return int(e.placeID.Load()) }

// SetPlaceID records this endpoint's place id within its layer, per
// spec.md §6's `id` module configuration key.
func (e *Endpoint) SetPlaceID(id int) { e.placeID.Store(int64(id)) }

func (e *Endpoint) RegisterNewClientCallback(fn func(channel uint32)) {
	e.newClientCB.Store(fn)
}

func (e *Endpoint) IsConnected() bool   { return e.initialized.Load() && !e.finalized.Load() }
func (e *Endpoint) IsInitialized() bool { return e.initialized.Load() && !e.finalized.Load() }
func (e *Endpoint) IsFinalized() bool   { return e.finalized.Load() }
