// Package driver implements the placement driver (C8): the per-place event
// loop that polls its communication strategies in flood-control order,
// maintains per-source channel identifiers, arbitrates with the suspension
// tree during in-flight reductions, and dispatches records to the analyses
// registered for their uid.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-longpoll"

	"github.com/mustgti/gti/channelid"
	"github.com/mustgti/gti/flood"
	"github.com/mustgti/gti/obslog"
	"github.com/mustgti/gti/protocol"
	"github.com/mustgti/gti/record"
	"github.com/mustgti/gti/reduction"
	"github.com/mustgti/gti/strategy"
	"github.com/mustgti/gti/suspend"
	"github.com/mustgti/gti/teardown"
)

// Default tunables, overridable via Config.
const (
	DefaultPollTimeout   = 20 * time.Millisecond
	DefaultIdleBackoff   = 2 * time.Millisecond
	DefaultTimeoutPeriod = 50 * time.Millisecond
)

// Config constructs a Driver.
type Config struct {
	Logger *obslog.Logger

	Registry *record.Registry
	Down     *strategy.Down
	Up       *strategy.Up
	Intra    *strategy.Intra

	// OwnPrefix is this place's channel-id prefix: the path from the root
	// down to (but not including) this place's own downward fan-out.
	OwnPrefix channelid.ID
	// DownFanIn is the number of child channels this place's Down strategy
	// fans in from.
	DownFanIn int64
	PlaceID   int64

	// Loop drives the periodic reduction-timeout tick. If nil, one is built
	// with eventloop.New(); Run returns that construction error immediately
	// if it fails.
	Loop *eventloop.Loop

	PollTimeout   time.Duration
	IdleBackoff   time.Duration
	TimeoutPeriod time.Duration
}

// Driver is one place's event loop.
type Driver struct {
	log       *obslog.Logger
	registry  *record.Registry
	down      *strategy.Down
	up        *strategy.Up
	intra     *strategy.Intra
	flood     *flood.Controller
	tree      *suspend.Tree
	panics    *teardown.PanicReceiver
	ownPrefix channelid.ID
	downFanIn int64
	placeID   int64

	loop          *eventloop.Loop
	loopOwned     bool
	pollTimeout   time.Duration
	idleBackoff   time.Duration
	timeoutPeriod time.Duration

	mu       sync.RWMutex
	analyses map[uint64]Analysis

	finalizeMu        sync.Mutex
	finalizedChildren map[uint32]bool

	started         atomic.Bool
	readyToShutdown atomic.Bool
	stopOnce        sync.Once
	stopped         chan struct{}
}

// New constructs a Driver from cfg. Panics if a required field is missing,
// matching the rest of the module's construction-time validation style.
func New(cfg Config) *Driver {
	if cfg.Registry == nil || cfg.Down == nil || cfg.Up == nil || cfg.Intra == nil {
		panic("driver: Registry, Down, Up and Intra are required")
	}
	if cfg.DownFanIn <= 0 {
		cfg.DownFanIn = 1
	}

	log := cfg.Logger
	if log == nil {
		log = obslog.Noop()
	}

	d := &Driver{
		log:               log,
		registry:          cfg.Registry,
		down:              cfg.Down,
		up:                cfg.Up,
		intra:             cfg.Intra,
		flood:             flood.NewController(nil),
		tree:              suspend.NewTree(),
		panics:            teardown.NewPanicReceiver(),
		ownPrefix:         cfg.OwnPrefix,
		downFanIn:         cfg.DownFanIn,
		placeID:           cfg.PlaceID,
		loop:              cfg.Loop,
		pollTimeout:       cfg.PollTimeout,
		idleBackoff:       cfg.IdleBackoff,
		timeoutPeriod:     cfg.TimeoutPeriod,
		analyses:          make(map[uint64]Analysis),
		finalizedChildren: make(map[uint32]bool),
		stopped:           make(chan struct{}),
	}
	if d.pollTimeout <= 0 {
		d.pollTimeout = DefaultPollTimeout
	}
	if d.idleBackoff <= 0 {
		d.idleBackoff = DefaultIdleBackoff
	}
	if d.timeoutPeriod <= 0 {
		d.timeoutPeriod = DefaultTimeoutPeriod
	}
	d.panics.Register(d.down)
	d.panics.Register(d.up)
	d.panics.Register(d.intra)
	return d
}

// PanicReceiver exposes the driver's panic fan-out so place-level wiring can
// register additional strategy.PanicListener implementations (a protocol
// acceptor goroutine's own cleanup hook, for instance) alongside the three
// built-in strategies.
func (d *Driver) PanicReceiver() *teardown.PanicReceiver { return d.panics }

// RegisterAnalysis binds a as the handler for every record of uid.
// Re-registering a uid replaces the previous handler.
func (d *Driver) RegisterAnalysis(uid uint64, a Analysis) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.analyses[uid] = a
}

// Stop requests the loop exit at the next opportunity. Safe to call more
// than once and from any goroutine.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// ReadyToShutdown reports whether a finalize broadcast has been observed.
func (d *Driver) ReadyToShutdown() bool { return d.readyToShutdown.Load() }

// Run drives the event loop until ctx is canceled, Stop is called, or a
// fatal condition (peer loss, analysis failure) is hit, in which case the
// fatal reason is returned as an error.
func (d *Driver) Run(ctx context.Context) error {
	if d.loop == nil {
		loop, err := eventloop.New()
		if err != nil {
			return fmt.Errorf("driver: constructing event loop: %w", err)
		}
		d.loop = loop
		d.loopOwned = true
	}
	if err := d.scheduleTimeoutTick(ctx); err != nil {
		return err
	}
	if d.loopOwned {
		go func() { _ = d.loop.Run(ctx) }()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopped:
			return nil
		default:
		}

		if err := d.iterate(ctx); err != nil {
			return err
		}
	}
}

// scheduleTimeoutTick arranges for runTimeoutTick to fire roughly every
// timeoutPeriod, self-rescheduling for as long as ctx is live (spec.md §5's
// "global timeout tick"). It is driven entirely through ScheduleTimer's
// plain func() callback, never through the loop's task-submission API.
func (d *Driver) scheduleTimeoutTick(ctx context.Context) error {
	var tick func()
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		d.runTimeoutTick(ctx)
		_ = d.loop.ScheduleTimer(d.timeoutPeriod, tick)
	}
	return d.loop.ScheduleTimer(d.timeoutPeriod, tick)
}

func (d *Driver) runTimeoutTick(ctx context.Context) {
	d.mu.RLock()
	analyses := make(map[uint64]Analysis, len(d.analyses))
	for uid, a := range d.analyses {
		analyses[uid] = a
	}
	d.mu.RUnlock()

	for uid, a := range analyses {
		outcome := a.Timeout()
		if outcome.Kind == reduction.KindWaiting {
			continue
		}
		if err := d.resolveOutcome(ctx, d.ownPrefix, outcome); err != nil {
			obslog.With(d.log.Err(), obslog.ComponentFields{Component: "driver", PlaceID: d.placeID}).
				Str("error", err.Error()).
				Log(fmt.Sprintf("reduction timeout handling failed for uid %d", uid))
		}
	}
}

// iterate runs one pass of the nine-step dispatch contract: pick the
// flood-preferred direction, poll it, and fall back through the remaining
// directions in priority order (down, intra, up/broadcast) if it has
// nothing ready.
func (d *Driver) iterate(ctx context.Context) error {
	order := []flood.Direction{flood.Down, flood.Intra, flood.Up}
	if dir, _, ok := d.flood.Pick(); ok {
		order = prioritize(order, dir)
	}

	for _, dir := range order {
		handled, err := d.pollDirection(ctx, dir)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.idleBackoff):
	}
	return nil
}

func prioritize(order []flood.Direction, first flood.Direction) []flood.Direction {
	out := make([]flood.Direction, 0, len(order))
	out = append(out, first)
	for _, d := range order {
		if d != first {
			out = append(out, d)
		}
	}
	return out
}

func (d *Driver) pollDirection(ctx context.Context, dir flood.Direction) (bool, error) {
	switch dir {
	case flood.Down:
		return d.pollDown(ctx)
	case flood.Intra:
		return d.pollIntra(ctx)
	default:
		return d.pollUp(ctx)
	}
}

func (d *Driver) pollDown(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, d.pollTimeout)
	defer cancel()

	handle, from, err := d.down.Recv(pctx, protocol.AnyChannel)
	if err != nil {
		return d.handlePollError(ctx, flood.Down, from, err)
	}
	d.started.Store(true)
	d.flood.MarkGood(flood.Down, from)

	for _, raw := range handle.Records {
		if err := d.handleDownRecord(ctx, from, raw); err != nil {
			handle.Release()
			return true, err
		}
	}
	handle.Release()
	return true, nil
}

func (d *Driver) pollIntra(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, d.pollTimeout)
	defer cancel()

	raw, from, err := d.intra.Recv(pctx)
	if err != nil {
		return d.handlePollError(ctx, flood.Intra, from, err)
	}
	d.started.Store(true)
	d.flood.MarkGood(flood.Intra, from)

	channelID := d.ownPrefix.WithAppended(channelid.Rank(int64(from), int64(d.intra.GetNumPlaces())))
	if err := d.dispatchRaw(ctx, channelID, raw); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Driver) pollUp(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, d.pollTimeout)
	defer cancel()

	handle, err := d.up.Recv(pctx)
	if err != nil {
		return d.handlePollError(ctx, flood.Up, 0, err)
	}
	d.started.Store(true)

	for _, raw := range handle.Records {
		desc, ok := d.lookupDescriptor(raw)
		dir := flood.Up
		if ok && desc.Broadcast {
			dir = flood.Broadcast
		}
		d.flood.MarkGood(dir, 0)

		if err := d.handleUpOrBroadcastRecord(ctx, desc, raw); err != nil {
			handle.Release()
			return true, err
		}
	}
	handle.Release()
	return true, nil
}

func (d *Driver) lookupDescriptor(raw []byte) (*record.Descriptor, bool) {
	uid, err := record.ExtractUID(raw)
	if err != nil {
		return nil, false
	}
	return d.registry.Lookup(uid)
}

// handleUpOrBroadcastRecord implements step 4: a broadcast-class record
// (Finalize/Panic) is forwarded down to every child before being dispatched
// locally; a finalize broadcast additionally marks this place ready to shut
// down and, once dispatched, stops the driver. An ordinary up message (none
// are modeled above the control tokens the protocol layer already filters)
// is simply dispatched.
func (d *Driver) handleUpOrBroadcastRecord(ctx context.Context, desc *record.Descriptor, raw []byte) error {
	if desc != nil && desc.Broadcast {
		if desc.UID == record.UIDFinalize {
			d.readyToShutdown.Store(true)
		}
		if err := d.down.Broadcast(raw, nil); err != nil {
			return err
		}
	}
	if err := d.dispatchRaw(ctx, d.ownPrefix, raw); err != nil {
		return err
	}
	if desc != nil && desc.UID == record.UIDFinalize {
		d.Stop()
	}
	return nil
}

// handleDownRecord implements steps 5-7 for one record arriving from a
// child: compute its updated channel id, handle the last-finalizer drain,
// and either enqueue or dispatch depending on the suspension tree.
func (d *Driver) handleDownRecord(ctx context.Context, fromChannel uint32, raw []byte) error {
	desc, ok := d.lookupDescriptor(raw)
	if !ok {
		return nil
	}

	channelID := d.updatedChannelID(fromChannel)
	isFinalizer := desc.UID == record.UIDFinalize

	if isFinalizer {
		d.finalizeMu.Lock()
		d.finalizedChildren[fromChannel] = true
		isLast := int64(len(d.finalizedChildren)) >= d.downFanIn
		d.finalizeMu.Unlock()
		if isLast {
			if err := d.drainIntraUntilFinished(ctx); err != nil {
				return err
			}
		}
	}

	return d.deliver(ctx, channelID, desc, raw, desc.OutOfOrder, flood.Down, fromChannel)
}

// updatedChannelID implements get_updated_channel_id: the driver's own
// prefix with one more layer appended for the child this record arrived
// from.
func (d *Driver) updatedChannelID(fromChannel uint32) channelid.ID {
	return d.ownPrefix.WithAppended(channelid.Rank(int64(fromChannel), d.downFanIn))
}

func (d *Driver) drainIntraUntilFinished(ctx context.Context) error {
	for !d.intra.CommunicationFinished(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.idleBackoff):
		}
	}
	return nil
}

// deliver implements step 7: consult the suspension tree (skipped entirely
// for out-of-order records) and either enqueue or dispatch immediately.
func (d *Driver) deliver(ctx context.Context, channelID channelid.ID, desc *record.Descriptor, raw []byte, outOfOrder bool, dir flood.Direction, ch uint32) error {
	if !outOfOrder {
		_, suspended, nonEmpty := d.tree.GetNode(channelID)
		if suspended || nonEmpty {
			owned := append([]byte(nil), raw...)
			d.tree.Enqueue(channelID, suspend.QueuedRecord{Buf: owned, ChannelID: channelID.Clone()})
			d.flood.IncQueue(dir, ch)
			return nil
		}
	}
	return d.dispatchRaw(ctx, channelID, raw)
}

func (d *Driver) dispatchRaw(ctx context.Context, channelID channelid.ID, raw []byte) error {
	uid, err := record.ExtractUID(raw)
	if err != nil {
		return nil
	}
	desc, ok := d.registry.Lookup(uid)
	if !ok {
		return nil
	}
	inst, err := record.Deserialize(desc, raw)
	if err != nil {
		obslog.With(d.log.Warning(), obslog.ComponentFields{Component: "driver", PlaceID: d.placeID, ChannelID: channelID.String()}).
			Log("dropping malformed record: " + err.Error())
		return nil
	}

	d.mu.RLock()
	analysis, ok := d.analyses[uid]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	return d.resolveOutcome(ctx, channelID, analysis.Dispatch(channelID, inst))
}

// resolveOutcome implements step 8 (and the timeout tick's equivalent):
// suspend on WAITING, unsuspend and redeliver drained records on SUCCESS or
// IRREDUCIBLE, and escalate a FAILURE to a place-wide panic.
func (d *Driver) resolveOutcome(ctx context.Context, channelID channelid.ID, outcome reduction.Outcome) error {
	switch outcome.Kind {
	case reduction.KindWaiting:
		d.tree.SetSuspension(channelID, true)
		return nil

	case reduction.KindSuccess, reduction.KindIrreducible:
		for _, released := range outcome.Released {
			d.tree.SetSuspension(released, false)
		}
		return d.redeliverDrained(ctx, d.tree.Drain())

	case reduction.KindFailure:
		reason := fmt.Sprintf("analysis failure on channel %s", channelID)
		_ = d.panics.Notify(reason)
		if err := d.broadcastPanic(reason); err != nil {
			return fmt.Errorf("driver: %s: %w", reason, err)
		}
		return errors.New("driver: " + reason)

	default:
		return nil
	}
}

// redeliverDrained feeds a batch of now-deliverable records, freshly drained
// from the suspension tree, through a bounded longpoll.Channel receive
// rather than a plain range loop, so the redelivery step honors the same
// timeout-aware, bounded-consumption contract the rest of the module uses
// for multi-value channel draining.
func (d *Driver) redeliverDrained(ctx context.Context, drained []suspend.QueuedRecord) error {
	if len(drained) == 0 {
		return nil
	}
	ch := make(chan suspend.QueuedRecord, len(drained))
	for _, qr := range drained {
		ch <- qr
	}
	close(ch)

	cfg := &longpoll.ChannelConfig{MaxSize: len(drained), MinSize: -1, PartialTimeout: time.Millisecond}
	err := longpoll.Channel(ctx, cfg, ch, func(qr suspend.QueuedRecord) error {
		return d.redeliverOne(ctx, qr)
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (d *Driver) redeliverOne(ctx context.Context, qr suspend.QueuedRecord) error {
	defer func() {
		if qr.Free != nil {
			qr.Free()
		}
	}()
	return d.dispatchRaw(ctx, qr.ChannelID, qr.Buf)
}

// handlePollError distinguishes an ordinary empty poll (context deadline,
// expected every iteration a direction has nothing ready) from peer loss
// (NotInitialized after this place has already seen its first message).
func (d *Driver) handlePollError(ctx context.Context, dir flood.Direction, ch uint32, err error) (bool, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		if shouldLog := d.flood.MarkBad(dir, ch); shouldLog {
			obslog.With(d.log.Info(), obslog.ComponentFields{Component: "driver", PlaceID: d.placeID}).
				Log(dir.String() + " direction persistently empty")
		}
		return false, nil
	}
	if errors.Is(err, protocol.ErrNotInitialized) {
		if d.started.Load() {
			reason := fmt.Sprintf("peer loss detected on %s direction", dir)
			_ = d.panics.Notify(reason)
			if berr := d.broadcastPanic(reason); berr != nil {
				return true, fmt.Errorf("driver: %s: %w", reason, berr)
			}
			return true, errors.New("driver: " + reason)
		}
		d.flood.MarkBad(dir, ch)
		return false, nil
	}
	return true, err
}

// broadcastPanic builds and forwards the Panic control record both upward
// and down to every child, per spec.md §4.8.
func (d *Driver) broadcastPanic(reason string) error {
	inst := record.NewInstance(record.Panic)
	if err := inst.WriteScalar("OriginRank", uint64(d.placeID)); err != nil {
		return err
	}
	reasonBytes := []byte(reason)
	if err := inst.WriteScalar("ReasonLen", uint64(len(reasonBytes))); err != nil {
		return err
	}
	if err := inst.WriteArrayByCopy("Reason", reasonBytes); err != nil {
		return err
	}
	buf, err := inst.Serialize()
	if err != nil {
		return err
	}

	obslog.With(d.log.Err(), obslog.ComponentFields{Component: "driver", PlaceID: d.placeID}).
		Log("broadcasting panic: " + reason)

	var firstErr error
	if err := d.up.RaisePanic(buf); err != nil {
		firstErr = err
	}
	if err := d.down.Broadcast(buf, nil); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
