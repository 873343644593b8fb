// Package reduction implements the reduction framework (C7): aggregation of
// per-rank events into a single per-group event, with the completion-tree
// bookkeeping, timeout-driven abort, and channel-id ownership handover the
// placement driver relies on.
package reduction

import (
	"sync"

	"github.com/mustgti/gti/channelid"
)

// Kind is the outcome of one contribution or timeout tick.
type Kind int

const (
	// KindWaiting keeps the contributing channel id suspended; the
	// reduction retains ownership of it.
	KindWaiting Kind = iota
	// KindSuccess forwards one aggregate and releases every channel id the
	// completed wave held; the driver now owns Released and must
	// unsuspend/delete them.
	KindSuccess
	// KindIrreducible passes the current record through unchanged; the
	// driver owns the current channel id, plus anything in Released.
	KindIrreducible
	// KindFailure is fatal to the driver.
	KindFailure
)

// Outcome is the reduction return triple from spec.md §4.5, modeled as a
// sum type so the channel-id ownership handover is explicit: Released is
// only ever non-empty on KindSuccess or KindIrreducible (never KindWaiting).
type Outcome struct {
	Kind     Kind
	Released []channelid.ID
	// Aggregate is the combined payload, set only on KindSuccess.
	Aggregate []byte
}

func Waiting() Outcome { return Outcome{Kind: KindWaiting} }

func Success(aggregate []byte, released []channelid.ID) Outcome {
	return Outcome{Kind: KindSuccess, Released: released, Aggregate: aggregate}
}

func Irreducible(released ...channelid.ID) Outcome {
	return Outcome{Kind: KindIrreducible, Released: released}
}

func Failure() Outcome { return Outcome{Kind: KindFailure} }

// Reduction is the analysis-supplied semantics the placement driver drives:
// one call to Contribute per arriving record addressed to this reduction,
// one call to Timeout per driver timeout tick.
type Reduction interface {
	Contribute(id channelid.ID, payload []byte) Outcome
	Timeout() Outcome
}

// FanInReduction is a generic reduction that waits for exactly one
// contribution per leaf of the completion tree implied by the channel ids
// it receives (fan-in read directly off each SubID), combining payloads
// with combine once every expected contributor has arrived. It is
// reusable across any concrete per-record reduction semantics that reduce
// to "wait for all of fan-in, then combine".
type FanInReduction struct {
	combine func(payloads [][]byte) []byte

	mu   sync.Mutex
	wave *wave
}

type wave struct {
	tree     *completionTree
	held     []channelid.ID
	payloads [][]byte
	aborted  bool
}

func newWave() *wave {
	return &wave{tree: newCompletionTree()}
}

// NewFanInReduction constructs a reduction that combines contributions with
// combine once the completion tree implied by the contributed channel ids
// is fully AND-complete.
func NewFanInReduction(combine func(payloads [][]byte) []byte) *FanInReduction {
	if combine == nil {
		panic("reduction: NewFanInReduction requires a non-nil combine func")
	}
	return &FanInReduction{combine: combine}
}

// Contribute folds one arriving record into the current wave.
func (r *FanInReduction) Contribute(id channelid.ID, payload []byte) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wave == nil {
		r.wave = newWave()
	}
	w := r.wave

	if w.aborted {
		// Still track the arrival so the aborted wave's bookkeeping is
		// consistent, but this record is simply passed through: the
		// driver already owns its channel id.
		w.tree.markArrived(id)
		if w.tree.isComplete() {
			r.wave = nil
		}
		return Irreducible()
	}

	w.tree.markArrived(id)
	w.held = append(w.held, id.Clone())
	w.payloads = append(w.payloads, payload)

	if !w.tree.isComplete() {
		return Waiting()
	}

	released := w.held
	aggregate := r.combine(w.payloads)
	r.wave = nil
	return Success(aggregate, released)
}

// Timeout transitions a currently-WAITING wave to IRREDUCIBLE, releasing
// every channel id it held. Contributions belonging to the aborted wave
// that still arrive afterward are tracked (so the tree resolves cleanly)
// but no longer trigger SUCCESS.
func (r *FanInReduction) Timeout() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wave == nil || r.wave.aborted {
		return Waiting()
	}
	w := r.wave
	w.aborted = true
	released := w.held
	w.held = nil
	return Irreducible(released...)
}
