package driver

import (
	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/reduction"
)

// Analysis is a per-record-type handler registered with a Driver by uid. A
// non-reducing analysis (a pass-through logger, for instance) always answers
// Dispatch with reduction.Success(nil, nil): the dispatch is fully resolved
// and there is nothing to suspend on. A reducing analysis wraps a
// reduction.Reduction and forwards Contribute/Timeout directly.
type Analysis interface {
	// Dispatch handles one record addressed to channelID. The driver owns
	// channelID past this call unless the returned Outcome's Kind is
	// KindWaiting, in which case the Analysis retains it.
	Dispatch(channelID channelid.ID, rec *record.Instance) reduction.Outcome

	// Timeout is called once per driver timeout tick. Analyses with no
	// pending wave should return reduction.Waiting(), a no-op.
	Timeout() reduction.Outcome
}

// AnalysisFunc adapts a plain dispatch function with no reduction state of
// its own to the Analysis interface.
type AnalysisFunc func(channelID channelid.ID, rec *record.Instance) reduction.Outcome

func (f AnalysisFunc) Dispatch(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
	return f(channelID, rec)
}

func (f AnalysisFunc) Timeout() reduction.Outcome { return reduction.Waiting() }

// ReductionAnalysis adapts a reduction.Reduction to the Analysis interface:
// Dispatch feeds the record's serialized payload to Contribute under its
// channel id, Timeout forwards unchanged.
type ReductionAnalysis struct {
	Reduction reduction.Reduction
}

func (a ReductionAnalysis) Dispatch(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
	payload, err := rec.Serialize()
	if err != nil {
		return reduction.Failure()
	}
	return a.Reduction.Contribute(channelID, payload)
}

func (a ReductionAnalysis) Timeout() reduction.Outcome { return a.Reduction.Timeout() }
