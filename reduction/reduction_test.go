package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustgti/gti/channelid"
)

func sumCombine(payloads [][]byte) []byte {
	total := 0
	for _, p := range payloads {
		total += int(p[0])
	}
	return []byte{byte(total)}
}

func TestFanInReduction_WaitsThenSucceeds(t *testing.T) {
	r := NewFanInReduction(sumCombine)

	c0 := channelid.ID{channelid.Rank(0, 2)}
	c1 := channelid.ID{channelid.Rank(1, 2)}

	out0 := r.Contribute(c0, []byte{2})
	assert.Equal(t, KindWaiting, out0.Kind)
	assert.Empty(t, out0.Released)

	out1 := r.Contribute(c1, []byte{3})
	require.Equal(t, KindSuccess, out1.Kind)
	assert.ElementsMatch(t, []channelid.ID{c0, c1}, out1.Released)
	assert.Equal(t, byte(5), out1.Aggregate[0])
}

func TestFanInReduction_TimeoutAbortsWaitingWave(t *testing.T) {
	r := NewFanInReduction(sumCombine)
	c0 := channelid.ID{channelid.Rank(0, 2)}

	out0 := r.Contribute(c0, []byte{7})
	assert.Equal(t, KindWaiting, out0.Kind)

	timeoutOut := r.Timeout()
	require.Equal(t, KindIrreducible, timeoutOut.Kind)
	assert.ElementsMatch(t, []channelid.ID{c0}, timeoutOut.Released)

	// Idle timeout (no active wave) is a no-op.
	assert.Equal(t, KindWaiting, r.Timeout().Kind)
}

func TestFanInReduction_LateArrivalAfterAbortPassesThrough(t *testing.T) {
	r := NewFanInReduction(sumCombine)
	c0 := channelid.ID{channelid.Rank(0, 2)}
	c1 := channelid.ID{channelid.Rank(1, 2)}

	r.Contribute(c0, []byte{1})
	r.Timeout()

	late := r.Contribute(c1, []byte{1})
	assert.Equal(t, KindIrreducible, late.Kind)
	assert.Empty(t, late.Released)

	// The aborted wave fully resolved; a fresh wave starts clean.
	fresh := r.Contribute(c0, []byte{4})
	assert.Equal(t, KindWaiting, fresh.Kind)
}

func TestCompletionTree_MultiLevelAndOfChildren(t *testing.T) {
	tr := newCompletionTree()
	a := channelid.ID{channelid.Rank(0, 2), channelid.Rank(0, 2)}
	b := channelid.ID{channelid.Rank(0, 2), channelid.Rank(1, 2)}
	c := channelid.ID{channelid.Rank(1, 2), channelid.Rank(0, 2)}
	d := channelid.ID{channelid.Rank(1, 2), channelid.Rank(1, 2)}

	tr.markArrived(a)
	assert.False(t, tr.isComplete())
	tr.markArrived(b)
	tr.markArrived(c)
	assert.False(t, tr.isComplete())
	tr.markArrived(d)
	assert.True(t, tr.isComplete())
}
