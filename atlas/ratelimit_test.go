package atlas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestRateLimitPerIP(t *testing.T) {
	l := NewRateLimiter(10*time.Second, 2, 100, 0)
	now, clock := fakeClock(time.Unix(1000, 0))
	l.now = clock

	assert.Nil(t, l.Admit("1.2.3.4"))
	assert.Nil(t, l.Admit("1.2.3.4"))
	assert.ErrorIs(t, l.Admit("1.2.3.4"), ErrRateLimited)

	// Another address is unaffected.
	assert.Nil(t, l.Admit("5.6.7.8"))

	// After the window slides past the first two requests, admission resumes.
	*now = now.Add(11 * time.Second)
	assert.Nil(t, l.Admit("1.2.3.4"))
}

func TestRateLimitGlobal(t *testing.T) {
	l := NewRateLimiter(10*time.Second, 100, 3, 0)
	_, clock := fakeClock(time.Unix(1000, 0))
	l.now = clock

	assert.Nil(t, l.Admit("a"))
	assert.Nil(t, l.Admit("b"))
	assert.Nil(t, l.Admit("c"))
	assert.ErrorIs(t, l.Admit("d"), ErrRateLimited)
}

func TestRateLimitMinInterval(t *testing.T) {
	l := NewRateLimiter(time.Minute, 100, 100, 500*time.Millisecond)
	now, clock := fakeClock(time.Unix(1000, 0))
	l.now = clock

	assert.Nil(t, l.Admit("1.2.3.4"))
	*now = now.Add(100 * time.Millisecond)
	assert.ErrorIs(t, l.Admit("1.2.3.4"), ErrRateLimited)
	*now = now.Add(500 * time.Millisecond)
	assert.Nil(t, l.Admit("1.2.3.4"))
}

func TestRateLimitRejectedNotCharged(t *testing.T) {
	l := NewRateLimiter(10*time.Second, 1, 100, 0)
	now, clock := fakeClock(time.Unix(1000, 0))
	l.now = clock

	assert.Nil(t, l.Admit("1.2.3.4"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, l.Admit("1.2.3.4"), ErrRateLimited)
	}
	// Rejections do not extend the window: one admitted request ages out
	// regardless of how many were refused meanwhile.
	*now = now.Add(11 * time.Second)
	assert.Nil(t, l.Admit("1.2.3.4"))
}
