// Package inproc implements the shared-memory in-process Protocol flavor:
// one address space, many goroutines, a single rendezvous hub per
// parent/children group with lock-protected FIFO queues per direction. All
// sends are serialized through a single go-eventloop.Loop so that
// concurrent senders from different goroutines still land in a
// deterministic, total order, matching the teacher's event-loop-driven
// channel abstraction in go-inprocgrpc.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-eventloop"
)

// Hub connects one parent-side endpoint to a fixed number of child-side
// endpoints, mirroring one tier of the overlay network's down/up link
// pair (the "comm_id pairs up and down protocols" relationship from the
// module configuration).
type Hub struct {
	loop       *eventloop.Loop
	cancelLoop context.CancelFunc

	toParent *fifo
	toChild  []*fifo

	mu        sync.Mutex
	connected []bool

	parent *Endpoint
	child  []*Endpoint
}

// NewHub starts a Hub with numChildren down-channels.
func NewHub(numChildren int) (*Hub, error) {
	if numChildren < 0 {
		panic("inproc: negative numChildren")
	}
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("inproc: starting event loop: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = loop.Run(ctx)
	}()

	h := &Hub{
		loop:      loop,
		toParent:  newFifo(),
		toChild:   make([]*fifo, numChildren),
		connected: make([]bool, numChildren),
	}
	for i := range h.toChild {
		h.toChild[i] = newFifo()
	}

	h.parent = &Endpoint{hub: h, role: roleDown}
	h.child = make([]*Endpoint, numChildren)
	for i := range h.child {
		h.child[i] = &Endpoint{hub: h, role: roleUp, childIndex: uint32(i)}
	}

	h.cancelLoop = cancel
	return h, nil
}

// ParentEndpoint returns the Protocol implementation seen by the place one
// layer up the tree (the "down" direction from its perspective: one channel
// per child).
func (h *Hub) ParentEndpoint() *Endpoint { return h.parent }

// ChildEndpoint returns the Protocol implementation seen by child i (the
// "up" direction from its perspective: a single logical channel to the
// parent).
func (h *Hub) ChildEndpoint(i int) *Endpoint { return h.child[i] }

// Connect marks child i as connected: both endpoints become initialized and
// the parent's registered new-client callback, if any, fires with i as the
// channel number.
func (h *Hub) Connect(i int) {
	h.mu.Lock()
	h.connected[i] = true
	h.mu.Unlock()

	h.parent.initialized.Store(true)
	h.child[i].initialized.Store(true)

	if cb := h.parent.newClientCB.Load(); cb != nil {
		cb.(func(uint32))(uint32(i))
	}
}

// Close stops the hub's event loop. Safe to call once all endpoints have
// shut down.
func (h *Hub) Close() error {
	h.cancelLoop()
	return h.loop.Close()
}

func (h *Hub) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.connected {
		if c {
			n++
		}
	}
	return n
}
