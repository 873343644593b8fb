package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/protocol/inproc"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/reduction"
	"github.com/mustgti/gti/strategy"
)

// testRig wires a Driver with two hubs: one for its downward/upward links to
// a single child and a single parent, and one for its intra-layer link to a
// single (itself-only) peer, mirroring one place in the tiniest possible
// tree: one parent, this place, one child.
type testRig struct {
	t *testing.T

	downHub *inproc.Hub // this place's children connect here
	upHub   *inproc.Hub // this place is upHub's sole child; its parent is the other side

	d *Driver
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	downHub, err := inproc.NewHub(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = downHub.Close() })
	downHub.Connect(0)

	upHub, err := inproc.NewHub(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = upHub.Close() })
	upHub.Connect(0)

	intraHub, err := inproc.NewHub(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = intraHub.Close() })
	intraHub.Connect(0)

	down := strategy.NewDown(downHub.ParentEndpoint(), strategy.Config{Tier: strategy.TierSimple})
	up := strategy.NewUp(upHub.ChildEndpoint(0), strategy.Config{Tier: strategy.TierSimple})
	intra := strategy.NewIntra(intraHub.ChildEndpoint(0), 0)

	d := New(Config{
		Registry:    record.NewBuiltinRegistry(),
		Down:        down,
		Up:          up,
		Intra:       intra,
		DownFanIn:   1,
		PollTimeout: 20 * time.Millisecond,
		IdleBackoff: time.Millisecond,
	})

	return &testRig{t: t, downHub: downHub, upHub: upHub, d: d}
}

func serializedPing(t *testing.T, value int32) []byte {
	t.Helper()
	inst := record.NewInstance(record.Ping)
	require.NoError(t, inst.WriteScalar("Value", uint64(uint32(value))))
	buf, err := inst.Serialize()
	require.NoError(t, err)
	return buf
}

func TestUpdatedChannelID_AppendsChildRank(t *testing.T) {
	rig := newTestRig(t)
	rig.d.ownPrefix = channelid.ID{channelid.Rank(2, 4)}

	got := rig.d.updatedChannelID(3)
	want := channelid.ID{channelid.Rank(2, 4), channelid.Rank(3, 1)}
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestHandleDownRecord_DispatchesImmediatelyWhenNotSuspended(t *testing.T) {
	rig := newTestRig(t)

	var gotChannelID channelid.ID
	var calls int
	rig.d.RegisterAnalysis(record.UIDPing, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		calls++
		gotChannelID = channelID
		return reduction.Success(nil, nil)
	}))

	ctx := context.Background()
	require.NoError(t, rig.d.handleDownRecord(ctx, 0, serializedPing(t, 7)))

	assert.Equal(t, 1, calls)
	assert.True(t, gotChannelID.Equal(rig.d.updatedChannelID(0)))
}

func TestDeliver_EnqueuesWhileSuspendedThenDrainsOnUnsuspend(t *testing.T) {
	rig := newTestRig(t)

	var calls int
	rig.d.RegisterAnalysis(record.UIDPing, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		calls++
		return reduction.Success(nil, nil)
	}))

	ctx := context.Background()
	channelID := rig.d.updatedChannelID(0)
	rig.d.tree.SetSuspension(channelID, true)

	require.NoError(t, rig.d.handleDownRecord(ctx, 0, serializedPing(t, 1)))
	assert.Equal(t, 0, calls, "suspended channel must not dispatch immediately")
	assert.False(t, rig.d.tree.IsEmpty())

	rig.d.tree.SetSuspension(channelID, false)
	require.NoError(t, rig.d.redeliverDrained(ctx, rig.d.tree.Drain()))
	assert.Equal(t, 1, calls, "unsuspending must drain and dispatch the queued record")
	assert.True(t, rig.d.tree.IsEmpty())
}

func TestResolveOutcome_WaitingSuspendsChannel(t *testing.T) {
	rig := newTestRig(t)

	rig.d.RegisterAnalysis(record.UIDPing, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		return reduction.Waiting()
	}))

	ctx := context.Background()
	require.NoError(t, rig.d.handleDownRecord(ctx, 0, serializedPing(t, 1)))

	_, suspended, _ := rig.d.tree.GetNode(rig.d.updatedChannelID(0))
	assert.True(t, suspended)
}

func TestResolveOutcome_FailureBroadcastsPanicAndReturnsError(t *testing.T) {
	rig := newTestRig(t)

	rig.d.RegisterAnalysis(record.UIDPing, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		return reduction.Failure()
	}))

	ctx := context.Background()
	err := rig.d.handleDownRecord(ctx, 0, serializedPing(t, 1))
	require.Error(t, err)

	recvCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 1<<16)
	n, _, rerr := rig.downHub.ChildEndpoint(0).Recv(recvCtx, buf, 0)
	require.NoError(t, rerr)
	uid, uerr := record.ExtractUID(buf[:n])
	require.NoError(t, uerr)
	assert.Equal(t, record.UIDPanic, uid)
}

func TestHandleDownRecord_LastFinalizerDrainsIntraFirst(t *testing.T) {
	rig := newTestRig(t)

	var calls int
	rig.d.RegisterAnalysis(record.UIDFinalize, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		calls++
		return reduction.Success(nil, nil)
	}))

	finalize := record.NewInstance(record.Finalize)
	buf, err := finalize.Serialize()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.d.handleDownRecord(ctx, 0, buf))

	assert.Equal(t, 1, calls)
	assert.Len(t, rig.d.finalizedChildren, 1)
}

func TestPollDown_ReportsNoMessageOnTimeout(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	handled, err := rig.d.pollDown(ctx)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestPollUp_BroadcastFinalizeForwardsDownAndMarksReady(t *testing.T) {
	rig := newTestRig(t)

	var calls int
	rig.d.RegisterAnalysis(record.UIDFinalize, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		calls++
		return reduction.Success(nil, nil)
	}))

	finalize := record.NewInstance(record.Finalize)
	buf, err := finalize.Serialize()
	require.NoError(t, err)
	require.NoError(t, rig.upHub.ParentEndpoint().SSend(buf, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handled, err := rig.d.pollUp(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	assert.True(t, rig.d.ReadyToShutdown())
	assert.Equal(t, 1, calls)

	recvCtx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	out := make([]byte, 1<<16)
	n, _, rerr := rig.downHub.ChildEndpoint(0).Recv(recvCtx, out, 0)
	require.NoError(t, rerr)
	uid, uerr := record.ExtractUID(out[:n])
	require.NoError(t, uerr)
	assert.Equal(t, record.UIDFinalize, uid)
}

func TestPollIntra_DispatchesWithPeerChannelID(t *testing.T) {
	rig := newTestRig(t)

	var gotChannelID channelid.ID
	rig.d.RegisterAnalysis(record.UIDPing, AnalysisFunc(func(channelID channelid.ID, rec *record.Instance) reduction.Outcome {
		gotChannelID = channelID
		return reduction.Success(nil, nil)
	}))

	intraHub, err := inproc.NewHub(1)
	require.NoError(t, err)
	defer intraHub.Close()
	intraHub.Connect(0)
	rig.d.intra = strategy.NewIntra(intraHub.ChildEndpoint(0), 0)

	require.NoError(t, intraHub.ParentEndpoint().SSend(serializedPing(t, 9), 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handled, err := rig.d.pollIntra(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, gotChannelID.Equal(rig.d.ownPrefix.WithAppended(channelid.Rank(0, 1))))
}
