package bridge

import (
	"sync"
	"time"

	"github.com/daedaleanai/mlbridge/entity"
)

// Cooldown enforces a minimum spacing between successive emissions for
// the same pull request. The first evaluation of a pull request after
// process start always passes, so pending activity suppressed before a
// restart is drained immediately.
type Cooldown struct {
	duration time.Duration

	mu   sync.Mutex
	seen map[entity.Id]bool
}

// NewCooldown builds a scheduler for the given duration. A zero
// duration disables throttling entirely.
func NewCooldown(duration time.Duration) *Cooldown {
	return &Cooldown{
		duration: duration,
		seen:     make(map[entity.Id]bool),
	}
}

// MaySend reports whether the pull request may emit mail now, given the
// time of its last successful emission.
func (c *Cooldown) MaySend(pr entity.Id, lastSent time.Time, now time.Time) bool {
	if c.duration == 0 {
		return true
	}

	c.mu.Lock()
	first := !c.seen[pr]
	c.seen[pr] = true
	c.mu.Unlock()

	if first || lastSent.IsZero() {
		return true
	}

	return now.Sub(lastSent) >= c.duration
}
