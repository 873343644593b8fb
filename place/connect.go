package place

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// DialConfig describes the addresses an external coordinator has already
// handed this place for the startup rendezvous (resolving those addresses
// is out of scope; spec.md §6 leaves that to "the external TCP bootstrap
// server used solely to rendezvous peer addresses at startup").
type DialConfig struct {
	// ListenDown, if non-empty, is the address this place accepts
	// NumChildren child connections on. Empty at a leaf place.
	ListenDown  string
	NumChildren int

	// DialUp, if non-empty, is the parent's address. Empty at the root
	// place.
	DialUp string

	// DialIntra holds one address per peer in this place's own layer,
	// excluding itself.
	DialIntra []string

	// DialTimeout bounds each individual dial attempt. Defaults to 10s.
	DialTimeout time.Duration
}

// Connect runs the startup rendezvous: it accepts NumChildren connections
// on ListenDown (if set) while concurrently dialing DialUp and every
// DialIntra address, all under one errgroup so a failure on any leg
// cancels the others rather than leaving the place half-connected. This is
// the protocol acceptor goroutine SPEC_FULL.md's errgroup section refers
// to; cmd/toolplace runs it once before building a Config for New.
func Connect(ctx context.Context, cfg DialConfig) (downConns []net.Conn, upConn net.Conn, intraConns []net.Conn, err error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ListenDown != "" && cfg.NumChildren > 0 {
		g.Go(func() error {
			conns, err := acceptChildren(gctx, cfg.ListenDown, cfg.NumChildren)
			if err != nil {
				return fmt.Errorf("place: accepting children on %s: %w", cfg.ListenDown, err)
			}
			downConns = conns
			return nil
		})
	}

	if cfg.DialUp != "" {
		g.Go(func() error {
			conn, err := dialOne(gctx, cfg.DialUp, timeout)
			if err != nil {
				return fmt.Errorf("place: dialing parent at %s: %w", cfg.DialUp, err)
			}
			upConn = conn
			return nil
		})
	}

	if len(cfg.DialIntra) > 0 {
		conns := make([]net.Conn, len(cfg.DialIntra))
		for i, addr := range cfg.DialIntra {
			i, addr := i, addr
			g.Go(func() error {
				conn, err := dialOne(gctx, addr, timeout)
				if err != nil {
					return fmt.Errorf("place: dialing peer at %s: %w", addr, err)
				}
				conns[i] = conn
				return nil
			})
		}
		intraConns = conns
	}

	if err := g.Wait(); err != nil {
		closeAll(downConns)
		if upConn != nil {
			upConn.Close()
		}
		closeAll(intraConns)
		return nil, nil, nil, err
	}
	return downConns, upConn, intraConns, nil
}

func acceptChildren(ctx context.Context, addr string, n int) ([]net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	conns := make([]net.Conn, 0, n)
	for len(conns) < n {
		conn, err := ln.Accept()
		if err != nil {
			closeAll(conns)
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func dialOne(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DialContext(dctx, "tcp", addr)
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
}
