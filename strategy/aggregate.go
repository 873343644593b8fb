package strategy

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// EncodeAggregate packs records into the threaded-aggregating wire layout:
// a 4-byte record count header followed by, per record, a 4-byte length and
// that many bytes. The header value is always below protocol.AcknowledgeToken
// (0xFFFFFFFB) when read as the first 32 bits of a native-endian 64-bit
// word, so it never collides with a reserved control token on the wire.
func EncodeAggregate(records [][]byte) []byte {
	size := 4
	for _, r := range records {
		size += 4 + len(r)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	off := 4
	for _, r := range records {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r)))
		off += 4
		copy(buf[off:], r)
		off += len(r)
	}
	return buf
}

// DecodeAggregate unpacks a buffer produced by EncodeAggregate.
func DecodeAggregate(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("strategy: aggregate header truncated")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("strategy: aggregate record %d length truncated", i)
		}
		n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+n > len(buf) {
			return nil, fmt.Errorf("strategy: aggregate record %d body truncated", i)
		}
		out = append(out, buf[off:off+n])
		off += n
	}
	return out, nil
}

// AggregatePool recycles the backing arrays of received aggregates. Buffers
// are refcounted: the strategy's own release plus one per external consumer
// that read a record out of the cursor must all fire before the buffer
// returns to the pool (spec.md §8 property 8).
type AggregatePool struct {
	pool sync.Pool
}

// NewAggregatePool returns a pool that allocates bufLength-capacity buffers
// on miss.
func NewAggregatePool(bufLength int) *AggregatePool {
	return &AggregatePool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, bufLength)
				return &b
			},
		},
	}
}

func (p *AggregatePool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *AggregatePool) put(b *[]byte) {
	*b = (*b)[:0]
	p.pool.Put(b)
}

// AggregateHandle is a refcounted handle over one received aggregate
// buffer. NewConsumer must be called once per record the cursor hands out
// to an external consumer (e.g. the placement driver dispatching to an
// analysis); Release must be called exactly once by the strategy itself and
// once per NewConsumer call.
type AggregateHandle struct {
	pool    *AggregatePool
	backing *[]byte
	Records [][]byte

	refcount    atomic.Int32
	releaseOnce sync.Once
}

// NewAggregateHandle wraps a freshly received buffer, already decoded into
// Records, with an initial refcount of 1 representing the strategy's own
// reference.
func NewAggregateHandle(pool *AggregatePool, backing *[]byte, records [][]byte) *AggregateHandle {
	h := &AggregateHandle{pool: pool, backing: backing, Records: records}
	h.refcount.Store(1)
	return h
}

// NewConsumer increments the refcount for one more external consumer and
// returns the release function it must call exactly once.
func (h *AggregateHandle) NewConsumer() func() {
	h.refcount.Add(1)
	var once sync.Once
	return func() {
		once.Do(h.release)
	}
}

// Release drops the strategy's own reference. Idempotent.
func (h *AggregateHandle) Release() {
	h.releaseOnce.Do(h.release)
}

func (h *AggregateHandle) release() {
	if h.refcount.Add(-1) == 0 && h.pool != nil {
		h.pool.put(h.backing)
	}
}
