package place

import (
	"github.com/mustgti/gti/breakmgr"
	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/reduction"
)

// breakBridge adapts a breakmgr.Manager to driver.Analysis so request_break
// and remove_break records reach it the same way any other analysis would,
// without the driver itself needing to know breakmgr exists.
type breakBridge struct {
	mgr *breakmgr.Manager
}

func (b breakBridge) Dispatch(_ channelid.ID, rec *record.Instance) reduction.Outcome {
	switch rec.Descriptor().UID {
	case record.UIDBreakRequest:
		b.mgr.RequestBreak()
	case record.UIDBreakRemove:
		b.mgr.RemoveBreak()
	}
	return reduction.Success(nil, nil)
}

func (b breakBridge) Timeout() reduction.Outcome { return reduction.Waiting() }
