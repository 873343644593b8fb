// Package netproto implements the inter-process Protocol flavor: separate
// address spaces connected by net.Conn (TCP or unix-domain socket), using
// length-prefixed frames in place of the original's shared-memory ring
// buffers. Short messages are inlined; messages whose length exceeds
// inlineThreshold are announced with protocol.LongMsgToken followed by a
// declared-length payload, matching the wire contract every flavor shares.
package netproto

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mustgti/gti/protocol"
)

// inlineThreshold is the largest payload sent without the long-message
// token/length preamble. Framing below this size still carries a length
// prefix; above it, a reader must expect (LongMsgToken, length) before the
// payload, per spec.md §4.2.
const inlineThreshold = 1 << 16

type incoming struct {
	buf  []byte
	from uint32
}

// Conn wraps a single net.Conn as one channel of a Protocol. A down-side
// place holds one Conn per child and dispatches by channel number the same
// way inproc.Hub composes multiple in-process queues.
type Conn struct {
	channel uint32
	conn    net.Conn
	w       *bufio.Writer
	wmu     sync.Mutex

	recv chan incoming

	initialized atomic.Bool
	finalized   atomic.Bool
	placeID     atomic.Int64

	newClientCB atomic.Value // func(uint32)

	outstandingMu sync.Mutex
	outstanding   map[*request]struct{}
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

func newRequest() *request { return &request{doneCh: make(chan struct{})} }

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

// NewConn wraps conn as channel number ch, and starts a background reader
// goroutine that frames incoming messages. The caller is responsible for
// calling Connect once the peer is known to be live.
func NewConn(conn net.Conn, ch uint32) *Conn {
	c := &Conn{
		channel: ch,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		recv:    make(chan incoming, 64),
	}
	go c.readLoop()
	return c
}

// Connect marks the connection initialized, ready for sends and receives.
func (c *Conn) Connect() {
	c.initialized.Store(true)
	if cb := c.newClientCB.Load(); cb != nil {
		cb.(func(uint32))(c.channel)
	}
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		var header uint64
		if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
			close(c.recv)
			return
		}
		var length uint64
		if header == protocol.LongMsgToken {
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				close(c.recv)
				return
			}
		} else {
			length = header
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			close(c.recv)
			return
		}
		c.recv <- incoming{buf: buf, from: c.channel}
	}
}

var _ protocol.Protocol = (*Conn)(nil)

func (c *Conn) writeFrame(buf []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(buf) > inlineThreshold {
		if err := binary.Write(c.w, binary.LittleEndian, protocol.LongMsgToken); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.LittleEndian, uint64(len(buf))); err != nil {
			return err
		}
	} else {
		if err := binary.Write(c.w, binary.LittleEndian, uint64(len(buf))); err != nil {
			return err
		}
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) SSend(buf []byte, ch uint32) error {
	if !c.IsInitialized() {
		return protocol.ErrNotInitialized
	}
	if err := c.writeFrame(buf); err != nil {
		c.finalized.Store(true)
		return fmt.Errorf("%w: %v", protocol.ErrNotInitialized, err)
	}
	return nil
}

func (c *Conn) ISend(buf []byte, ch uint32) (protocol.Request, error) {
	r := newRequest()
	err := c.SSend(buf, ch)
	r.complete(len(buf), 0, nil, err)
	return r, err
}

func (c *Conn) Recv(ctx context.Context, buf []byte, ch uint32) (int, uint32, error) {
	if !c.IsInitialized() {
		return 0, 0, protocol.ErrNotInitialized
	}
	select {
	case it, ok := <-c.recv:
		if !ok {
			c.finalized.Store(true)
			return 0, 0, protocol.ErrNotInitialized
		}
		return copy(buf, it.buf), it.from, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (c *Conn) IRecv(ch uint32) (protocol.Request, error) {
	if !c.IsInitialized() {
		return nil, protocol.ErrNotInitialized
	}
	r := newRequest()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	c.trackRequest(r)
	go func() {
		defer c.untrackRequest(r)
		buf := make([]byte, 1<<20)
		n, from, err := c.Recv(ctx, buf, ch)
		if err != nil {
			if ctx.Err() != nil {
				err = protocol.ErrNotInitialized
			}
			r.complete(0, 0, nil, err)
			return
		}
		r.complete(n, from, buf[:n], nil)
	}()
	return r, nil
}

func (c *Conn) trackRequest(r *request) {
	c.outstandingMu.Lock()
	if c.outstanding == nil {
		c.outstanding = make(map[*request]struct{})
	}
	c.outstanding[r] = struct{}{}
	c.outstandingMu.Unlock()
}

func (c *Conn) untrackRequest(r *request) {
	c.outstandingMu.Lock()
	delete(c.outstanding, r)
	c.outstandingMu.Unlock()
}

func (c *Conn) Test(req protocol.Request) (bool, int, uint32, []byte, error) {
	r := req.(*request)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.n, r.from, r.buf, r.err
}

func (c *Conn) Wait(req protocol.Request) (int, uint32, []byte, error) {
	r := req.(*request)
	<-r.doneCh
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n, r.from, r.buf, r.err
}

func (c *Conn) Shutdown() error {
	c.finalized.Store(true)
	c.RemoveOutstandingRequests()
	return c.conn.Close()
}

func (c *Conn) RemoveOutstandingRequests() {
	c.outstandingMu.Lock()
	pending := make([]*request, 0, len(c.outstanding))
	for r := range c.outstanding {
		pending = append(pending, r)
	}
	c.outstanding = make(map[*request]struct{})
	c.outstandingMu.Unlock()

	for _, r := range pending {
		if r.cancel != nil {
			r.cancel()
		}
	}
}

func (c *Conn) NumChannels() int { return 1 }
func (c *Conn) NumClients() int {
	if c.IsInitialized() {
		return 1
	}
	return 0
}
func (c *Conn) PlaceID() int { return int(c.placeID.Load()) }

// SetPlaceID records this connection's place id within its layer.
func (c *Conn) SetPlaceID(id int) { c.placeID.Store(int64(id)) }

func (c *Conn) RegisterNewClientCallback(fn func(channel uint32)) {
	c.newClientCB.Store(fn)
}

func (c *Conn) IsConnected() bool   { return c.initialized.Load() && !c.finalized.Load() }
func (c *Conn) IsInitialized() bool { return c.initialized.Load() && !c.finalized.Load() }
func (c *Conn) IsFinalized() bool   { return c.finalized.Load() }
