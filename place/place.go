// Package place wires one place's strategies, driver, and shutdown
// coordinator together over real net.Conn transport (one netproto.Conn per
// child/peer, fanned in through fanout), the cmd/toolplace binary's only
// dependency.
package place

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mustgti/gti/breakmgr"
	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/driver"
	"github.com/mustgti/gti/obslog"
	"github.com/mustgti/gti/protocol"
	"github.com/mustgti/gti/protocol/netproto"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/strategy"
	"github.com/mustgti/gti/teardown"
)

// Config assembles one place. An external rendezvous step (out of scope;
// spec.md §6 leaves connection establishment to the surrounding tool stack)
// is responsible for handing over already-dialed/accepted net.Conns in the
// right order before New is called.
type Config struct {
	Logger   *obslog.Logger
	Registry *record.Registry

	// OwnPrefix is this place's channel-id prefix, computed by the caller
	// from topology.PlaceForRank along the path from the root.
	OwnPrefix channelid.ID
	PlaceID   int64

	// DownConns holds one connection per child, empty at a leaf.
	DownConns []net.Conn
	// UpConn is nil at the root place.
	UpConn net.Conn
	// IntraConns holds one connection per peer in this place's own layer,
	// excluding itself.
	IntraConns []net.Conn

	Tier              strategy.Tier
	AggregatingConfig *strategy.AggregatingConfig

	// BreakManager, if set, is bridged to request_break/remove_break
	// records automatically.
	BreakManager *breakmgr.Manager

	Driver driver.Config
}

// Place is one fully wired GTI tool place: strategies over real transport,
// a driver event loop, and the ordinary shutdown handshake.
type Place struct {
	driver      *driver.Driver
	coordinator *teardown.Coordinator
	downFanIn   int
	ownPrefix   channelid.ID
}

// New validates cfg and wires strategies, the driver, and the shutdown
// coordinator without starting anything; call Run to start the place.
func New(cfg Config) (*Place, error) {
	if cfg.Registry == nil {
		return nil, errors.New("place: Registry is required")
	}

	log := cfg.Logger
	if log == nil {
		log = obslog.Noop()
	}

	downConns := make([]protocol.Protocol, len(cfg.DownConns))
	for i, conn := range cfg.DownConns {
		c := netproto.NewConn(conn, uint32(i))
		c.Connect()
		downConns[i] = c
	}
	var downProto protocol.Protocol = newFanout(downConns)

	var upProto protocol.Protocol = noopProtocol{}
	if cfg.UpConn != nil {
		c := netproto.NewConn(cfg.UpConn, 0)
		c.Connect()
		upProto = c
	}

	var intraProto protocol.Protocol = noopProtocol{}
	if len(cfg.IntraConns) > 0 {
		conns := make([]protocol.Protocol, len(cfg.IntraConns))
		for i, conn := range cfg.IntraConns {
			c := netproto.NewConn(conn, uint32(i))
			c.Connect()
			conns[i] = c
		}
		intraProto = newFanout(conns)
	}

	stratCfg := strategy.Config{Tier: cfg.Tier, Aggregating: cfg.AggregatingConfig}
	down := strategy.NewDown(downProto, stratCfg)
	up := strategy.NewUp(upProto, stratCfg)
	intra := strategy.NewIntra(intraProto, uint32(cfg.PlaceID))

	dcfg := cfg.Driver
	dcfg.Logger = log
	dcfg.Registry = cfg.Registry
	dcfg.Down = down
	dcfg.Up = up
	dcfg.Intra = intra
	dcfg.OwnPrefix = cfg.OwnPrefix
	dcfg.DownFanIn = int64(len(cfg.DownConns))
	dcfg.PlaceID = cfg.PlaceID

	drv := driver.New(dcfg)

	if cfg.BreakManager != nil {
		bridge := breakBridge{mgr: cfg.BreakManager}
		drv.RegisterAnalysis(record.UIDBreakRequest, bridge)
		drv.RegisterAnalysis(record.UIDBreakRemove, bridge)
	}

	return &Place{
		driver:      drv,
		coordinator: &teardown.Coordinator{Down: down, Up: up, Intra: intra},
		downFanIn:   len(cfg.DownConns),
		ownPrefix:   cfg.OwnPrefix,
	}, nil
}

// Driver returns the underlying event loop, for registering analyses beyond
// the break-manager bridge New wires automatically.
func (p *Place) Driver() *driver.Driver { return p.driver }

// RegisterAnalysis binds a as the handler for every record of uid,
// forwarding to the underlying Driver.
func (p *Place) RegisterAnalysis(uid uint64, a driver.Analysis) {
	p.driver.RegisterAnalysis(uid, a)
}

// RegisterFinalizeListener adds l to the set notified once the ordinary
// shutdown handshake completes.
func (p *Place) RegisterFinalizeListener(l teardown.FinalizeListener) {
	p.coordinator.Register(l)
}

// Run drives the place until ctx is canceled or a fatal condition is hit,
// supervising the driver's event loop via an errgroup so a panic in one
// supervised goroutine cancels the rest; it then runs the ordinary shutdown
// handshake if the driver observed a finalize broadcast before exiting.
func (p *Place) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.driver.Run(gctx) })
	runErr := g.Wait()

	if !p.driver.ReadyToShutdown() {
		return runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.coordinator.Shutdown(shutdownCtx, p.ownPrefix, p.downFanIn); err != nil {
		if runErr != nil {
			return fmt.Errorf("%w (during shutdown handshake: %v)", runErr, err)
		}
		return err
	}
	return runErr
}
