package strategy

import "sync"

// pendingSend is one buffered send issued before the underlying protocol
// connected. hasChannel distinguishes a point-to-point send (down strategy)
// from an up/broadcast send where the destination is implicit.
type pendingSend struct {
	buf        *OwnedBuffer
	channel    uint32
	hasChannel bool
}

// Queue buffers sends issued before a strategy's protocol is connected (C4).
// While queued, the strategy retains ownership of each buffer; Flush hands
// them to send, in FIFO order, releasing each as it goes.
type Queue struct {
	mu      sync.Mutex
	pending []pendingSend
}

// Push enqueues buf for later delivery to channel ch.
func (q *Queue) Push(buf *OwnedBuffer, ch uint32) {
	q.mu.Lock()
	q.pending = append(q.pending, pendingSend{buf: buf, channel: ch, hasChannel: true})
	q.mu.Unlock()
}

// PushAny enqueues buf for a destination with no explicit channel (an up
// strategy's single logical parent channel).
func (q *Queue) PushAny(buf *OwnedBuffer) {
	q.mu.Lock()
	q.pending = append(q.pending, pendingSend{buf: buf})
	q.mu.Unlock()
}

// Len reports the number of buffered sends.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush drains the queue in order, calling send for each entry and
// releasing its buffer afterward. If send returns an error, Flush stops and
// leaves the remaining (unsent) entries queued for a later attempt,
// returning the error.
func (q *Queue) Flush(send func(buf []byte, ch uint32, hasChannel bool) error) error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, p := range pending {
		if err := send(p.buf.Data, p.channel, p.hasChannel); err != nil {
			q.mu.Lock()
			q.pending = append(pending[i:], q.pending...)
			q.mu.Unlock()
			return err
		}
		p.buf.Release()
	}
	return nil
}
