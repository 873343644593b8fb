// Package flood implements flood control (C9): per-(direction,channel)
// backpressure accounting that tells the placement driver which direction
// to poll next.
package flood

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Direction is one of the four directions the driver polls.
type Direction int

const (
	Down Direction = iota
	Intra
	Broadcast
	Up
)

func (d Direction) String() string {
	switch d {
	case Down:
		return "down"
	case Intra:
		return "intra"
	case Broadcast:
		return "broadcast"
	case Up:
		return "up"
	default:
		return "unknown"
	}
}

// priorityWeight encodes "down > intra > broadcast > up": the driver's job
// is to drain application-bound floods first.
func priorityWeight(d Direction) int64 {
	switch d {
	case Down:
		return 4
	case Intra:
		return 3
	case Broadcast:
		return 2
	case Up:
		return 1
	default:
		return 0
	}
}

type key struct {
	dir     Direction
	channel uint32
}

// Controller tracks per-(direction,channel) queue_size and badness, and
// decides which direction/channel the driver should poll next.
type Controller struct {
	mu        sync.Mutex
	queueSize map[key]int64
	skipped   map[key]bool

	// logLimiter rate-limits the "repeatedly bad" diagnostic MarkBad can
	// surface, so a sustained flood doesn't spam the log once per
	// iteration.
	logLimiter *catrate.Limiter
}

// DefaultLogLimiter returns the rate used when NewController is given a nil
// limiter: at most 5 "channel is persistently bad" diagnostics per second.
func DefaultLogLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{time.Second: 5})
}

// NewController constructs a Controller. logLimiter may be nil, in which
// case DefaultLogLimiter is used.
func NewController(logLimiter *catrate.Limiter) *Controller {
	if logLimiter == nil {
		logLimiter = DefaultLogLimiter()
	}
	return &Controller{
		queueSize:  make(map[key]int64),
		skipped:    make(map[key]bool),
		logLimiter: logLimiter,
	}
}

// IncQueue records that an analysis buffered one more record on
// (dir, channel): this direction/channel is more likely to need draining.
func (c *Controller) IncQueue(dir Direction, channel uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueSize[key{dir, channel}]++
}

// DecQueue records that one record was drained from (dir, channel).
func (c *Controller) DecQueue(dir Direction, channel uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{dir, channel}
	if c.queueSize[k] > 0 {
		c.queueSize[k]--
	}
}

// Badness returns the current priority_weight * queue_size for (dir, channel).
func (c *Controller) Badness(dir Direction, channel uint32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return priorityWeight(dir) * c.queueSize[key{dir, channel}]
}

// Pick returns the highest-badness (direction, channel) not currently
// skipped, reporting ok=false if nothing has a positive queue_size.
func (c *Controller) Pick() (dir Direction, channel uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickLocked()
}

func (c *Controller) pickLocked() (Direction, uint32, bool) {
	best, bestBadness, found := c.bestCandidate(true)
	if !found {
		// Everything with a positive queue is currently skipped; a full
		// round of empty polls has happened, so rewind and try again
		// unfiltered.
		c.skipped = make(map[key]bool)
		best, bestBadness, found = c.bestCandidate(false)
	}
	_ = bestBadness
	if !found {
		return 0, 0, false
	}
	return best.dir, best.channel, true
}

func (c *Controller) bestCandidate(respectSkip bool) (key, int64, bool) {
	var best key
	var bestBadness int64 = -1
	found := false
	for k, size := range c.queueSize {
		if size <= 0 {
			continue
		}
		if respectSkip && c.skipped[k] {
			continue
		}
		b := priorityWeight(k.dir) * size
		if !found || b > bestBadness {
			best, bestBadness, found = k, b, true
		}
	}
	return best, bestBadness, found
}

// MarkGood reports that dispatching (dir, channel) succeeded: the next Pick
// rewinds to consider the best candidate again, per spec.md §4.7.
func (c *Controller) MarkGood(dir Direction, channel uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped = make(map[key]bool)
}

// MarkBad reports that polling (dir, channel) found nothing: the next Pick
// tries the next-best candidate instead. shouldLog reports whether the
// caller should emit a diagnostic for this sustained-bad channel, rate
// limited so a long flood doesn't spam the log every iteration.
func (c *Controller) MarkBad(dir Direction, channel uint32) (shouldLog bool) {
	c.mu.Lock()
	c.skipped[key{dir, channel}] = true
	c.mu.Unlock()

	_, allowed := c.logLimiter.Allow(key{dir, channel})
	return allowed
}
