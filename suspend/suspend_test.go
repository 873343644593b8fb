package suspend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustgti/gti/channelid"
)

func id(subs ...channelid.SubID) channelid.ID { return channelid.ID(subs) }

func TestTree_EnqueueAndDrainWhenNotSuspended(t *testing.T) {
	tr := NewTree()
	target := id(channelid.Rank(0, 4), channelid.Rank(1, 4))

	tr.Enqueue(target, QueuedRecord{Buf: []byte("a"), ChannelID: target})
	assert.False(t, tr.IsEmpty())

	out := tr.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, "a", string(out[0].Buf))
	assert.True(t, tr.IsEmpty())
}

func TestTree_SuspendedNodeWithholdsRecords(t *testing.T) {
	tr := NewTree()
	target := id(channelid.Rank(0, 4))

	tr.SetSuspension(target, true)
	tr.Enqueue(target, QueuedRecord{Buf: []byte("held"), ChannelID: target})

	out := tr.Drain()
	assert.Empty(t, out)
	assert.False(t, tr.IsEmpty())

	tr.SetSuspension(target, false)
	out = tr.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, "held", string(out[0].Buf))
}

func TestTree_SuspendedAncestorWithholdsDescendants(t *testing.T) {
	tr := NewTree()
	parent := id(channelid.Rank(0, 4))
	child := id(channelid.Rank(0, 4), channelid.Rank(2, 4))

	tr.SetSuspension(parent, true)
	tr.Enqueue(child, QueuedRecord{Buf: []byte("deep"), ChannelID: child})

	assert.Empty(t, tr.Drain())

	tr.SetSuspension(parent, false)
	out := tr.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, "deep", string(out[0].Buf))
}

func TestTree_StridedSuspensionCoversMatchingOffsets(t *testing.T) {
	tr := NewTree()
	parent := id()
	strideSub := channelid.Strided(0, 2, 8)
	rangeSuspend := parent.WithAppended(strideSub)

	// Suspend every even offset under the root.
	tr.SetSuspension(rangeSuspend, true)

	even := id(channelid.Rank(4, 8))
	odd := id(channelid.Rank(5, 8))

	tr.Enqueue(even, QueuedRecord{Buf: []byte("even"), ChannelID: even})
	tr.Enqueue(odd, QueuedRecord{Buf: []byte("odd"), ChannelID: odd})

	out := tr.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, "odd", string(out[0].Buf))

	tr.SetSuspension(rangeSuspend, false)
	out = tr.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, "even", string(out[0].Buf))
}

func TestTree_GetNodeReportsSuspensionAndNonEmptyAncestors(t *testing.T) {
	tr := NewTree()
	parent := id(channelid.Rank(1, 4))
	child := id(channelid.Rank(1, 4), channelid.Rank(0, 4))

	tr.Enqueue(parent, QueuedRecord{Buf: []byte("p"), ChannelID: parent})

	_, suspended, nonEmpty := tr.GetNode(child)
	assert.False(t, suspended)
	assert.True(t, nonEmpty)

	tr.SetSuspension(parent, true)
	_, suspended, _ = tr.GetNode(child)
	assert.True(t, suspended)
}

func TestTree_FIFOOrderPerNode(t *testing.T) {
	tr := NewTree()
	target := id(channelid.Rank(3, 4))
	tr.Enqueue(target, QueuedRecord{Buf: []byte("first"), ChannelID: target})
	tr.Enqueue(target, QueuedRecord{Buf: []byte("second"), ChannelID: target})

	out := tr.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, "first", string(out[0].Buf))
	assert.Equal(t, "second", string(out[1].Buf))
}

func TestTree_WriteDOTDoesNotError(t *testing.T) {
	tr := NewTree()
	target := id(channelid.Rank(0, 2), channelid.Rank(1, 2))
	tr.Enqueue(target, QueuedRecord{Buf: []byte("x"), ChannelID: target})
	tr.SetSuspension(target, true)

	var buf bytes.Buffer
	require.NoError(t, tr.WriteDOT(&buf))
	assert.Contains(t, buf.String(), "digraph suspend")
	assert.Contains(t, buf.String(), "suspended=1")
}

func TestTree_HasSuspensionsTracksAncestors(t *testing.T) {
	tr := NewTree()
	deep := id(channelid.Rank(0, 2), channelid.Rank(1, 2))

	node, _, _ := tr.GetNode(deep)
	assert.False(t, node.HasSuspensions())

	tr.SetSuspension(deep, true)
	node, _, _ = tr.GetNode(deep)
	assert.True(t, node.HasSuspensions())
	assert.True(t, tr.root.HasSuspensions())

	tr.SetSuspension(deep, false)
	assert.False(t, tr.root.HasSuspensions())
}

func TestQueuedRecord_ReleaseCallsFree(t *testing.T) {
	called := false
	r := QueuedRecord{Buf: []byte("y"), Free: func() { called = true }}
	r.release()
	assert.True(t, called)
}
