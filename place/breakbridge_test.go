package place

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mustgti/gti/breakmgr"
	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/reduction"
)

func TestBreakBridge_DispatchForwardsRequestAndRemove(t *testing.T) {
	paused := 0
	resumed := 0
	mgr := breakmgr.New(func() { paused++ }, func() { resumed++ })
	b := breakBridge{mgr: mgr}

	req := record.NewInstance(record.BreakRequest)
	outcome := b.Dispatch(channelid.ID{}, req)
	assert.Equal(t, reduction.KindSuccess, outcome.Kind)
	assert.Equal(t, 1, paused)
	assert.True(t, mgr.Paused())

	rem := record.NewInstance(record.BreakRemove)
	outcome = b.Dispatch(channelid.ID{}, rem)
	assert.Equal(t, reduction.KindSuccess, outcome.Kind)
	assert.Equal(t, 1, resumed)
	assert.False(t, mgr.Paused())
}

func TestBreakBridge_TimeoutIsAlwaysWaiting(t *testing.T) {
	b := breakBridge{mgr: breakmgr.New(nil, nil)}
	assert.Equal(t, reduction.KindWaiting, b.Timeout().Kind)
}
