package flood

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_PicksHighestBadnessByPriority(t *testing.T) {
	c := NewController(nil)
	c.IncQueue(Up, 0)
	c.IncQueue(Up, 0)
	c.IncQueue(Up, 0) // weight 1 * 3 = 3
	c.IncQueue(Broadcast, 0)
	c.IncQueue(Broadcast, 0) // weight 2 * 2 = 4

	dir, ch, ok := c.Pick()
	require.True(t, ok)
	assert.Equal(t, Broadcast, dir)
	assert.Equal(t, uint32(0), ch)
}

func TestController_DownOutranksIntraAtEqualQueueSize(t *testing.T) {
	c := NewController(nil)
	c.IncQueue(Intra, 1)
	c.IncQueue(Down, 2)

	dir, ch, ok := c.Pick()
	require.True(t, ok)
	assert.Equal(t, Down, dir)
	assert.Equal(t, uint32(2), ch)
}

func TestController_NoCandidatesWhenAllQueuesEmpty(t *testing.T) {
	c := NewController(nil)
	_, _, ok := c.Pick()
	assert.False(t, ok)
}

func TestController_MarkBadTriesNextBest(t *testing.T) {
	c := NewController(nil)
	c.IncQueue(Down, 0) // best
	c.IncQueue(Up, 1)   // next best

	dir, ch, ok := c.Pick()
	require.True(t, ok)
	assert.Equal(t, Down, dir)

	c.MarkBad(dir, ch)

	dir2, ch2, ok2 := c.Pick()
	require.True(t, ok2)
	assert.Equal(t, Up, dir2)
	assert.Equal(t, uint32(1), ch2)
}

func TestController_MarkGoodRewindsToBest(t *testing.T) {
	c := NewController(nil)
	c.IncQueue(Down, 0)
	c.IncQueue(Up, 1)

	dir, ch, _ := c.Pick()
	c.MarkBad(dir, ch)

	// Next best is chosen while Down(0) is skipped.
	dir2, _, _ := c.Pick()
	assert.Equal(t, Up, dir2)

	c.MarkGood(dir2, 1)

	// Rewound: Down(0) is the best candidate again.
	dir3, ch3, ok3 := c.Pick()
	require.True(t, ok3)
	assert.Equal(t, Down, dir3)
	assert.Equal(t, uint32(0), ch3)
}

func TestController_DecQueueLowersBadness(t *testing.T) {
	c := NewController(nil)
	c.IncQueue(Down, 0)
	c.IncQueue(Down, 0)
	assert.Equal(t, int64(8), c.Badness(Down, 0))
	c.DecQueue(Down, 0)
	assert.Equal(t, int64(4), c.Badness(Down, 0))
}

func TestController_MarkBadRateLimitsLogging(t *testing.T) {
	c := NewController(nil)
	loggedCount := 0
	for i := 0; i < 20; i++ {
		if c.MarkBad(Up, 0) {
			loggedCount++
		}
	}
	assert.Less(t, loggedCount, 20)
}
