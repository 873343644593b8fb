package teardown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustgti/gti/channelid"
)

type fakeListener struct {
	calls int
	err   error
}

func (f *fakeListener) FlushAndSetImmediate() error {
	f.calls++
	return f.err
}

func TestPanicReceiver_NotifiesEveryListenerOnce(t *testing.T) {
	p := NewPanicReceiver()
	a := &fakeListener{}
	b := &fakeListener{}
	p.Register(a)
	p.Register(b)

	require.NoError(t, p.Notify("first"))
	require.NoError(t, p.Notify("second"))

	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	fired, reason := p.Fired()
	assert.True(t, fired)
	assert.Equal(t, "first", reason)
}

func TestPanicReceiver_ReturnsFirstErrorButFlushesAll(t *testing.T) {
	p := NewPanicReceiver()
	failing := &fakeListener{err: errors.New("boom")}
	ok := &fakeListener{}
	p.Register(failing)
	p.Register(ok)

	err := p.Notify("reason")
	require.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

func TestPanicReceiver_LateRegistrationMissesAnAlreadyFiredNotify(t *testing.T) {
	p := NewPanicReceiver()
	require.NoError(t, p.Notify("already happened"))

	late := &fakeListener{}
	p.Register(late)
	require.NoError(t, p.Notify("again"))

	assert.Equal(t, 0, late.calls)
}

func TestFinalizeListenerFunc_ForwardsChannelID(t *testing.T) {
	var got channelid.ID
	l := FinalizeListenerFunc(func(channelID channelid.ID) { got = channelID })

	want := channelid.ID{channelid.Rank(1, 1)}
	l.NotifyFinalize(want)
	assert.True(t, got.Equal(want))
}

func TestCoordinator_RegisterAccumulatesFinalizeListeners(t *testing.T) {
	c := &Coordinator{}
	c.Register(FinalizeListenerFunc(func(channelID channelid.ID) {}))
	c.Register(FinalizeListenerFunc(func(channelID channelid.ID) {}))
	assert.Len(t, c.listeners, 2)
}
