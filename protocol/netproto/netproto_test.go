package netproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustgti/gti/protocol"
)

func TestConn_NotInitializedBeforeConnect(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := NewConn(a, 0)

	err := ca.SSend([]byte("hi"), 0)
	assert.ErrorIs(t, err, protocol.ErrNotInitialized)
}

func TestConn_SendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := NewConn(a, 0)
	cb := NewConn(b, 0)
	ca.Connect()
	cb.Connect()

	go func() {
		_ = ca.SSend([]byte("payload"), 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 32)
	n, _, err := cb.Recv(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestConn_LongMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := NewConn(a, 0)
	cb := NewConn(b, 0)
	ca.Connect()
	cb.Connect()

	big := make([]byte, inlineThreshold+128)
	for i := range big {
		big[i] = byte(i)
	}

	go func() {
		_ = ca.SSend(big, 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, len(big))
	n, _, err := cb.Recv(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, big, buf[:n])
}

func TestConn_ShutdownClosesConn(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ca := NewConn(a, 0)
	ca.Connect()
	require.NoError(t, ca.Shutdown())
	assert.True(t, ca.IsFinalized())
}
