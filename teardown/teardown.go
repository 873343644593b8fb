// Package teardown implements panic fan-out and the finalize/shutdown
// handshake sequence (C10): every communication strategy registers as a
// strategy.PanicListener so a single detected failure reaches all of them
// exactly once, and every analysis wanting cleanup registers as a
// FinalizeListener so an ordinary (non-panic) finalize reaches them once the
// three strategies have completed their own shutdown handshakes.
package teardown

import (
	"context"
	"sync"

	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/strategy"
)

// PanicReceiver fans a single detected panic out to every registered
// strategy.PanicListener exactly once, deduplicating concurrent callers
// (a protocol loss and an analysis FAILURE racing, for instance) so no
// listener ever observes flushAndSetImmediate twice for the same event.
type PanicReceiver struct {
	mu        sync.Mutex
	listeners []strategy.PanicListener

	fired  bool
	reason string
}

// NewPanicReceiver returns an empty receiver ready for Register calls.
func NewPanicReceiver() *PanicReceiver {
	return &PanicReceiver{}
}

// Register adds l to the fan-out set. Safe to call after Notify has already
// fired (the newly registered listener simply misses the earlier event, the
// same as the original's module-registration-order semantics).
func (p *PanicReceiver) Register(l strategy.PanicListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Notify flushes every registered listener and switches it to immediate
// mode. Only the first call actually does anything; later calls (including
// concurrent ones racing this first call) return nil at once, without
// waiting for the first call to finish. The first call returns the first
// error encountered, if any, but always attempts every listener regardless.
func (p *PanicReceiver) Notify(reason string) error {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		return nil
	}
	p.fired = true
	p.reason = reason
	listeners := append([]strategy.PanicListener(nil), p.listeners...)
	p.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.FlushAndSetImmediate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Fired reports whether a panic has already been delivered, and the reason
// given at the time.
func (p *PanicReceiver) Fired() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired, p.reason
}

// FinalizeListener is implemented by an analysis wanting cleanup
// notification once the ordinary (non-panic) shutdown handshake completes.
type FinalizeListener interface {
	NotifyFinalize(channelID channelid.ID)
}

// FinalizeListenerFunc adapts a plain function to FinalizeListener.
type FinalizeListenerFunc func(channelID channelid.ID)

func (f FinalizeListenerFunc) NotifyFinalize(channelID channelid.ID) { f(channelID) }

// Coordinator runs the ordinary finalize shutdown sequence: down's
// handshake with every child, then an intra drain loop, then up's handshake
// with the parent, then a cleanup notification to every registered
// FinalizeListener.
type Coordinator struct {
	Down  *strategy.Down
	Up    *strategy.Up
	Intra *strategy.Intra

	mu        sync.Mutex
	listeners []FinalizeListener
}

// Register adds l to the set notified once Shutdown completes its
// handshake sequence.
func (c *Coordinator) Register(l FinalizeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Shutdown runs the finalize propagation order from spec.md §4.8: down
// strategy shutdown(flush, sync) against every child channel, an intra
// communication_finished() loop, up strategy shutdown(flush, sync) against
// the parent, and finally a notifyFinalize(channelId) to every registered
// analysis for cleanup. ownChannelID is the channel id finalize is reported
// under (this place's own prefix).
func (c *Coordinator) Shutdown(ctx context.Context, ownChannelID channelid.ID, downFanIn int) error {
	for ch := 0; ch < downFanIn; ch++ {
		if err := c.Down.Shutdown(uint32(ch), true, true); err != nil {
			return err
		}
	}

	for !c.Intra.CommunicationFinished(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := c.Up.Shutdown(true, true); err != nil {
		return err
	}

	c.mu.Lock()
	listeners := append([]FinalizeListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.NotifyFinalize(ownChannelID)
	}
	return nil
}
