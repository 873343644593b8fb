// Command toolplace runs one GTI tool place: it performs the startup
// rendezvous against addresses handed to it by the surrounding tool stack,
// wires its communication strategies and placement driver, and serves
// until it receives SIGINT/SIGTERM, observes a finalize broadcast, or hits
// a fatal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mustgti/gti/breakmgr"
	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/obslog"
	"github.com/mustgti/gti/place"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/strategy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "toolplace:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenDown    = flag.String("listen-down", "", "address to accept child connections on (empty at a leaf place)")
		numChildren   = flag.Int("num-children", 0, "number of child connections to accept on listen-down")
		dialUp        = flag.String("dial-up", "", "parent place's address (empty at the root place)")
		dialIntra     = flag.String("dial-intra", "", "comma-separated addresses of this layer's other peers")
		placeID       = flag.Int64("place-id", 0, "this place's rank within its own layer")
		prefix        = flag.String("channel-prefix", "", "comma-separated rank:fanin pairs giving this place's channel-id prefix, root-relative")
		tier          = flag.String("tier", "simple", "down/up strategy tier: simple, nonblocking or aggregating")
		breakBridgeOn = flag.Bool("break-bridge", true, "bridge request_break/remove_break records to a local break manager")
		dialTimeout   = flag.Duration("dial-timeout", 10*time.Second, "timeout for each rendezvous dial attempt")
	)
	flag.Parse()

	tierVal, err := parseTier(*tier)
	if err != nil {
		return err
	}
	ownPrefix, err := parsePrefix(*prefix)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := obslog.Default()

	var intraAddrs []string
	if *dialIntra != "" {
		intraAddrs = strings.Split(*dialIntra, ",")
	}

	downConns, upConn, intraConns, err := place.Connect(ctx, place.DialConfig{
		ListenDown:  *listenDown,
		NumChildren: *numChildren,
		DialUp:      *dialUp,
		DialIntra:   intraAddrs,
		DialTimeout: *dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}

	var mgr *breakmgr.Manager
	if *breakBridgeOn {
		mgr = breakmgr.New(
			func() { obslog.With(log.Info(), obslog.ComponentFields{Component: "breakmgr", PlaceID: *placeID}).Log("pausing at next interception point") },
			func() { obslog.With(log.Info(), obslog.ComponentFields{Component: "breakmgr", PlaceID: *placeID}).Log("resuming") },
		)
	}

	p, err := place.New(place.Config{
		Logger:       log,
		Registry:     record.NewBuiltinRegistry(),
		OwnPrefix:    ownPrefix,
		PlaceID:      *placeID,
		DownConns:    downConns,
		UpConn:       upConn,
		IntraConns:   intraConns,
		Tier:         tierVal,
		BreakManager: mgr,
	})
	if err != nil {
		return fmt.Errorf("constructing place: %w", err)
	}

	obslog.With(log.Info(), obslog.ComponentFields{Component: "toolplace", PlaceID: *placeID}).
		Log(fmt.Sprintf("place started: %d children, up=%v, %d intra peers", len(downConns), upConn != nil, len(intraConns)))

	return p.Run(ctx)
}

func parseTier(s string) (strategy.Tier, error) {
	switch s {
	case "simple":
		return strategy.TierSimple, nil
	case "nonblocking":
		return strategy.TierNonBlocking, nil
	case "aggregating":
		return strategy.TierAggregating, nil
	default:
		return 0, fmt.Errorf("unknown -tier %q (want simple, nonblocking or aggregating)", s)
	}
}

// parsePrefix decodes a comma-separated "rank:fanin" list into a channelid.ID,
// the root-relative path topology.PlaceForRank would otherwise be used to
// compute across the layers above this one.
func parsePrefix(s string) (channelid.ID, error) {
	if s == "" {
		return nil, nil
	}
	var id channelid.ID
	for _, part := range strings.Split(s, ",") {
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("channel-prefix: malformed pair %q, want rank:fanin", part)
		}
		rank, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("channel-prefix: rank %q: %w", fields[0], err)
		}
		fanIn, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("channel-prefix: fanin %q: %w", fields[1], err)
		}
		id = id.WithAppended(channelid.Rank(rank, fanIn))
	}
	return id, nil
}
