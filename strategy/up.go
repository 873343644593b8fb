package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/mustgti/gti/protocol"
)

// Tier selects which of the three implementation tiers a strategy uses.
type Tier int

const (
	// TierSimple sends one message per call, synchronously.
	TierSimple Tier = iota
	// TierNonBlocking queues up to MaxRequests outstanding non-blocking
	// sends, completing the oldest once the limit is reached.
	TierNonBlocking
	// TierAggregating batches small messages into a fixed-capacity buffer
	// before shipping it, via a background microbatch.Batcher.
	TierAggregating
)

// Default tunables from spec.md §4.3, exposed as configuration rather than
// hard-coded (REDESIGN FLAGS: MAX_NUM_MSGS).
const (
	DefaultMaxRequests    = 100
	DefaultBufLength      = 100 * 1024
	DefaultMaxNumMsgs     = 1000
	DefaultFlushInterval  = 10 * time.Millisecond
	DefaultMaxConcurrency = 1
)

// AggregatingConfig tunes the threaded aggregating tier.
type AggregatingConfig struct {
	BufLength      int
	MaxNumMsgs     int
	FlushInterval  time.Duration
	MaxConcurrency int
}

func (c *AggregatingConfig) orDefaults() AggregatingConfig {
	out := AggregatingConfig{
		BufLength:      DefaultBufLength,
		MaxNumMsgs:     DefaultMaxNumMsgs,
		FlushInterval:  DefaultFlushInterval,
		MaxConcurrency: DefaultMaxConcurrency,
	}
	if c == nil {
		return out
	}
	if c.BufLength > 0 {
		out.BufLength = c.BufLength
	}
	if c.MaxNumMsgs > 0 {
		out.MaxNumMsgs = c.MaxNumMsgs
	}
	if c.FlushInterval > 0 {
		out.FlushInterval = c.FlushInterval
	}
	if c.MaxConcurrency > 0 {
		out.MaxConcurrency = c.MaxConcurrency
	}
	return out
}

// Config configures a strategy instance.
type Config struct {
	Tier        Tier
	MaxRequests int // TierNonBlocking only; defaults to DefaultMaxRequests
	Aggregating *AggregatingConfig
	Pool        *AggregatePool // TierAggregating only; created if nil
}

// Up is the upward communication strategy: one logical channel toward the
// parent.
type Up struct {
	proto protocol.Protocol
	queue Queue
	cfg   Config

	immediate atomic.Bool

	reqMu       sync.Mutex
	outstanding []protocol.Request

	batcher *microbatch.Batcher[[]byte]
	pool    *AggregatePool
}

var _ PanicListener = (*Up)(nil)

// NewUp constructs an Up strategy over proto.
func NewUp(proto protocol.Protocol, cfg Config) *Up {
	u := &Up{proto: proto, cfg: cfg}
	if cfg.Tier == TierAggregating {
		agg := cfg.Aggregating.orDefaults()
		u.pool = cfg.Pool
		if u.pool == nil {
			u.pool = NewAggregatePool(agg.BufLength)
		}
		u.batcher = microbatch.NewBatcher[[]byte](&microbatch.BatcherConfig{
			MaxSize:        agg.MaxNumMsgs,
			FlushInterval:  agg.FlushInterval,
			MaxConcurrency: agg.MaxConcurrency,
		}, u.flushAggregate)
	}
	return u
}

func (u *Up) flushAggregate(ctx context.Context, jobs [][]byte) error {
	buf := EncodeAggregate(jobs)
	return u.rawSend(buf)
}

// rawSend delivers buf on the single up-channel, queuing it if the protocol
// is not yet connected.
func (u *Up) rawSend(buf []byte) error {
	if !u.proto.IsInitialized() {
		owned := NewOwnedBuffer(append([]byte(nil), buf...), FreeKindNone, nil)
		u.queue.PushAny(owned)
		return nil
	}
	if err := u.drainQueue(); err != nil {
		return err
	}
	return u.proto.SSend(buf, 0)
}

func (u *Up) drainQueue() error {
	return u.queue.Flush(func(buf []byte, _ uint32, _ bool) error {
		return u.proto.SSend(buf, 0)
	})
}

// Send delivers buf toward the parent, according to the configured tier.
// free, if non-nil, is called once buf has been fully handed off (for the
// simple and non-blocking tiers, immediately after send/complete; for the
// aggregating tier, once the record has been copied into the pending
// aggregate, since the aggregate itself owns the copy from that point).
func (u *Up) Send(buf []byte, free func()) error {
	defer func() {
		if free != nil {
			free()
		}
	}()

	if u.immediate.Load() || u.cfg.Tier == TierSimple {
		return u.rawSend(buf)
	}

	switch u.cfg.Tier {
	case TierNonBlocking:
		return u.sendNonBlocking(buf)
	case TierAggregating:
		data := append([]byte(nil), buf...)
		_, err := u.batcher.Submit(context.Background(), data)
		return err
	default:
		return fmt.Errorf("strategy: unknown tier %d", u.cfg.Tier)
	}
}

func (u *Up) sendNonBlocking(buf []byte) error {
	if !u.proto.IsInitialized() {
		owned := NewOwnedBuffer(append([]byte(nil), buf...), FreeKindNone, nil)
		u.queue.PushAny(owned)
		return nil
	}
	if err := u.drainQueue(); err != nil {
		return err
	}

	maxReq := u.cfg.MaxRequests
	if maxReq <= 0 {
		maxReq = DefaultMaxRequests
	}

	u.reqMu.Lock()
	if len(u.outstanding) >= maxReq {
		oldest := u.outstanding[0]
		u.outstanding = u.outstanding[1:]
		u.reqMu.Unlock()
		if _, _, _, err := u.proto.Wait(oldest); err != nil {
			return err
		}
		u.reqMu.Lock()
	}
	req, err := u.proto.ISend(buf, 0)
	if err != nil {
		u.reqMu.Unlock()
		return err
	}
	u.outstanding = append(u.outstanding, req)
	u.reqMu.Unlock()
	return nil
}

// Test reports whether there are any outstanding non-blocking sends left to
// complete (always false for the simple and aggregating tiers).
func (u *Up) Test() bool {
	u.reqMu.Lock()
	defer u.reqMu.Unlock()
	return len(u.outstanding) > 0
}

// Wait blocks until every currently outstanding non-blocking send
// completes.
func (u *Up) Wait() error {
	u.reqMu.Lock()
	pending := u.outstanding
	u.outstanding = nil
	u.reqMu.Unlock()

	var firstErr error
	for _, req := range pending {
		if _, _, _, err := u.proto.Wait(req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush drains the pre-connect queue (if now connected) and, for the
// aggregating tier, forces the batcher to ship its current partial batch.
func (u *Up) Flush() error {
	if u.proto.IsInitialized() {
		if err := u.drainQueue(); err != nil {
			return err
		}
	}
	if u.batcher != nil {
		return u.batcher.Shutdown(context.Background())
	}
	return u.Wait()
}

// RaisePanic broadcasts an implicit panic event upward, flushes, and
// transitions to immediate mode.
func (u *Up) RaisePanic(panicBuf []byte) error {
	if err := u.rawSend(panicBuf); err != nil {
		return err
	}
	return u.FlushAndSetImmediate()
}

// FlushAndSetImmediate implements PanicListener: drain, complete
// outstanding sends, stop aggregating.
func (u *Up) FlushAndSetImmediate() error {
	u.immediate.Store(true)
	if u.proto.IsInitialized() {
		if err := u.drainQueue(); err != nil {
			return err
		}
	}
	if err := u.Wait(); err != nil {
		return err
	}
	if u.batcher != nil {
		return u.batcher.Shutdown(context.Background())
	}
	return nil
}

// Shutdown performs the strategy shutdown handshake: if flush, drain
// everything first; if sync, ping-pong SHUTDOWN_SYNC with the peer after
// evicting stale outstanding receives.
func (u *Up) Shutdown(flush, sync bool) error {
	if flush {
		if err := u.Flush(); err != nil {
			return err
		}
	}
	if !sync {
		return u.proto.Shutdown()
	}
	u.proto.RemoveOutstandingRequests()

	token := make([]byte, 8)
	putToken(token, protocol.ShutdownSyncToken)
	if err := u.proto.SSend(token, 0); err != nil {
		return err
	}
	reply := make([]byte, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := u.proto.Recv(ctx, reply, 0); err != nil {
		return err
	}
	return u.proto.Shutdown()
}

// Recv reads one transmission from the parent channel and, for the
// aggregating tier, decodes it into an AggregateHandle backed by the
// strategy's pool; for the other tiers, it wraps the single record in a
// one-record handle with no pool (Release is then a no-op), mirroring
// Down.Recv on the other side of the same wire format.
func (u *Up) Recv(ctx context.Context) (*AggregateHandle, error) {
	raw := u.pool
	var backing *[]byte
	var buf []byte
	if raw != nil {
		backing = raw.get()
		buf = (*backing)[:cap(*backing)]
	} else {
		buf = make([]byte, 1<<20)
	}

	n, _, err := u.proto.Recv(ctx, buf, 0)
	if err != nil {
		if raw != nil {
			raw.put(backing)
		}
		return nil, err
	}

	if u.cfg.Tier != TierAggregating {
		rec := append([]byte(nil), buf[:n]...)
		if raw != nil {
			raw.put(backing)
		}
		return NewAggregateHandle(nil, nil, [][]byte{rec}), nil
	}

	records, err := DecodeAggregate(buf[:n])
	if err != nil {
		if raw != nil {
			raw.put(backing)
		}
		return nil, err
	}
	return NewAggregateHandle(raw, backing, records), nil
}

func putToken(buf []byte, token uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(token >> (8 * i))
	}
}
