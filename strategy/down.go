package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustgti/gti/protocol"
)

// Down is the downward communication strategy: one channel per child.
type Down struct {
	proto protocol.Protocol
	queue Queue
	cfg   Config

	immediate atomic.Bool

	reqMu       sync.Mutex
	outstanding map[uint32][]protocol.Request

	pool *AggregatePool
}

var _ PanicListener = (*Down)(nil)

// NewDown constructs a Down strategy over proto.
func NewDown(proto protocol.Protocol, cfg Config) *Down {
	d := &Down{proto: proto, cfg: cfg, outstanding: make(map[uint32][]protocol.Request)}
	if cfg.Tier == TierAggregating {
		agg := cfg.Aggregating.orDefaults()
		d.pool = cfg.Pool
		if d.pool == nil {
			d.pool = NewAggregatePool(agg.BufLength)
		}
	}
	return d
}

func (d *Down) rawSend(ch uint32, buf []byte) error {
	if !d.proto.IsInitialized() {
		owned := NewOwnedBuffer(append([]byte(nil), buf...), FreeKindNone, nil)
		d.queue.Push(owned, ch)
		return nil
	}
	if err := d.drainQueue(); err != nil {
		return err
	}
	return d.proto.SSend(buf, ch)
}

func (d *Down) drainQueue() error {
	return d.queue.Flush(func(buf []byte, ch uint32, _ bool) error {
		return d.proto.SSend(buf, ch)
	})
}

// Send delivers buf to one specific child channel.
func (d *Down) Send(ch uint32, buf []byte, free func()) error {
	defer func() {
		if free != nil {
			free()
		}
	}()

	if d.immediate.Load() || d.cfg.Tier == TierSimple {
		if err := d.rawSend(ch, buf); err != nil {
			return err
		}
		return d.acknowledgeIfSimple(ch)
	}

	switch d.cfg.Tier {
	case TierNonBlocking:
		return d.sendNonBlocking(ch, buf)
	case TierAggregating:
		// Down-side aggregation batches per destination channel; for
		// simplicity (and because each channel's fan-in is independent)
		// this is delivered immediately here, leaving buffer-level
		// aggregation to the up-side batcher that feeds this down link one
		// layer up. Down still honors the long-message/aggregate wire
		// format on receipt (see Recv).
		return d.rawSend(ch, buf)
	default:
		return d.rawSend(ch, buf)
	}
}

func (d *Down) acknowledgeIfSimple(ch uint32) error {
	if d.cfg.Tier != TierSimple {
		return nil
	}
	return d.Acknowledge(ch)
}

// Acknowledge sends the reserved ACKNOWLEDGE token on ch. The simple tier
// sends it on ch right after each message it sends there; it does not wait
// for the child to process that message first.
func (d *Down) Acknowledge(ch uint32) error {
	token := make([]byte, 8)
	putToken(token, protocol.AcknowledgeToken)
	return d.proto.SSend(token, ch)
}

func (d *Down) sendNonBlocking(ch uint32, buf []byte) error {
	if !d.proto.IsInitialized() {
		owned := NewOwnedBuffer(append([]byte(nil), buf...), FreeKindNone, nil)
		d.queue.Push(owned, ch)
		return nil
	}
	if err := d.drainQueue(); err != nil {
		return err
	}
	maxReq := d.cfg.MaxRequests
	if maxReq <= 0 {
		maxReq = DefaultMaxRequests
	}

	d.reqMu.Lock()
	reqs := d.outstanding[ch]
	if len(reqs) >= maxReq {
		oldest := reqs[0]
		reqs = reqs[1:]
		d.reqMu.Unlock()
		if _, _, _, err := d.proto.Wait(oldest); err != nil {
			return err
		}
		d.reqMu.Lock()
	}
	req, err := d.proto.ISend(buf, ch)
	if err != nil {
		d.reqMu.Unlock()
		return err
	}
	d.outstanding[ch] = append(reqs, req)
	d.reqMu.Unlock()
	return nil
}

// Broadcast delivers buf to every child channel.
func (d *Down) Broadcast(buf []byte, free func()) error {
	defer func() {
		if free != nil {
			free()
		}
	}()
	var firstErr error
	for ch := 0; ch < d.proto.NumChannels(); ch++ {
		if err := d.Send(uint32(ch), buf, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Test reports whether there are outstanding non-blocking sends on ch.
func (d *Down) Test(ch uint32) bool {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	return len(d.outstanding[ch]) > 0
}

// Wait blocks until every outstanding non-blocking send on every channel
// completes.
func (d *Down) Wait() error {
	d.reqMu.Lock()
	all := d.outstanding
	d.outstanding = make(map[uint32][]protocol.Request)
	d.reqMu.Unlock()

	var firstErr error
	for _, reqs := range all {
		for _, req := range reqs {
			if _, _, _, err := d.proto.Wait(req); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Flush drains the pre-connect queue, if now connected, and completes all
// outstanding non-blocking sends.
func (d *Down) Flush() error {
	if d.proto.IsInitialized() {
		if err := d.drainQueue(); err != nil {
			return err
		}
	}
	return d.Wait()
}

// FlushAndSetImmediate implements PanicListener.
func (d *Down) FlushAndSetImmediate() error {
	d.immediate.Store(true)
	return d.Flush()
}

// RegisterNewClientCallback forwards to the underlying protocol.
func (d *Down) RegisterNewClientCallback(fn func(channel uint32)) {
	d.proto.RegisterNewClientCallback(fn)
}

// Recv reads one transmission from ch (or protocol.AnyChannel) and, for the
// aggregating tier, decodes it into an AggregateHandle backed by the
// strategy's pool; for the other tiers, it wraps the single record in a
// one-record handle with no pool (Release is then a no-op).
func (d *Down) Recv(ctx context.Context, ch uint32) (*AggregateHandle, uint32, error) {
	raw := d.pool
	var backing *[]byte
	var buf []byte
	if raw != nil {
		backing = raw.get()
		buf = (*backing)[:cap(*backing)]
	} else {
		buf = make([]byte, 1<<20)
	}

	n, from, err := d.proto.Recv(ctx, buf, ch)
	if err != nil {
		if raw != nil {
			raw.put(backing)
		}
		return nil, 0, err
	}

	if d.cfg.Tier != TierAggregating {
		rec := append([]byte(nil), buf[:n]...)
		if raw != nil {
			raw.put(backing)
		}
		return NewAggregateHandle(nil, nil, [][]byte{rec}), from, nil
	}

	records, err := DecodeAggregate(buf[:n])
	if err != nil {
		if raw != nil {
			raw.put(backing)
		}
		return nil, from, err
	}
	return NewAggregateHandle(raw, backing, records), from, nil
}

// Shutdown performs the strategy shutdown handshake from the parent's side:
// wait for the child's SHUTDOWN_SYNC, then reply in kind.
func (d *Down) Shutdown(ch uint32, flush, sync bool) error {
	if flush {
		if err := d.Flush(); err != nil {
			return err
		}
	}
	if !sync {
		return nil
	}
	d.proto.RemoveOutstandingRequests()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	incoming := make([]byte, 8)
	if _, _, err := d.proto.Recv(ctx, incoming, ch); err != nil {
		return err
	}
	reply := make([]byte, 8)
	putToken(reply, protocol.ShutdownSyncToken)
	return d.proto.SSend(reply, ch)
}
