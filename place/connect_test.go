package place

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_AcceptsChildrenAndDialsUp(t *testing.T) {
	childLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer childLn.Close()
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	go func() {
		conn, err := net.Dial("tcp", childLn.Addr().String())
		if err == nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()
	upAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := upLn.Accept()
		upAccepted <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	downConns, upConn, intraConns, err := Connect(ctx, DialConfig{
		ListenDown:  childLn.Addr().String(),
		NumChildren: 1,
		DialUp:      upLn.Addr().String(),
	})
	require.NoError(t, err)
	defer closeAll(downConns)
	defer upConn.Close()

	assert.Len(t, downConns, 1)
	assert.NotNil(t, upConn)
	assert.Empty(t, intraConns)

	accepted := <-upAccepted
	defer accepted.Close()
}

func TestConnect_FailsIfUpAddrUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, _, err := Connect(ctx, DialConfig{
		DialUp:      "127.0.0.1:1", // reserved, nothing listens there
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
}
