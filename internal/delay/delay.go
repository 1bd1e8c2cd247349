// Package delay computes staggered, jittered due times for engagement
// actions so cohort members never act in a detectable synchronized burst.
package delay

import (
	"math/rand"
	"sync"
	"time"

	"podamp/internal/config"
	"podamp/internal/domain"
)

// Calculator derives randomized delivery delays. The random source is
// injected so tests can seed it and assert window bounds.
type Calculator struct {
	windows config.Delays

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// New builds a Calculator over the configured windows. A nil rng falls back
// to a time-seeded source.
func New(windows config.Delays, rng *rand.Rand) *Calculator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Calculator{windows: windows, rng: rng, now: time.Now}
}

func (c *Calculator) window(kind domain.ActionKind) config.Window {
	switch kind {
	case domain.ActionComment:
		return c.windows.Comment
	case domain.ActionRepost:
		return c.windows.Repost
	default:
		return c.windows.Like
	}
}

// Compute returns the delay and due time for the member at memberIndex in a
// cohort of cohortSize. The base delay is staggered linearly across the
// kind's window by cohort position, then shifted by bounded random jitter.
// The result is always at least one second in the future and truncated to
// millisecond precision.
func (c *Calculator) Compute(kind domain.ActionKind, memberIndex, cohortSize int) (time.Duration, time.Time) {
	w := c.window(kind)
	span := w.Max - w.Min

	denom := cohortSize - 1
	if denom < 1 {
		denom = 1
	}
	frac := float64(memberIndex) / float64(denom)
	base := w.Min + time.Duration(frac*float64(span))

	bound := time.Duration(w.Jitter * float64(span))
	c.mu.Lock()
	jitter := time.Duration(0)
	if bound > 0 {
		jitter = time.Duration(c.rng.Int63n(int64(2*bound))) - bound
	}
	c.mu.Unlock()

	d := (base + jitter).Truncate(time.Millisecond)
	if d < time.Second {
		d = time.Second
	}
	return d, c.now().Add(d)
}

// Bounds returns the lowest and highest delay Compute can produce for the
// member at memberIndex in a cohort of cohortSize.
func (c *Calculator) Bounds(kind domain.ActionKind, memberIndex, cohortSize int) (time.Duration, time.Duration) {
	w := c.window(kind)
	span := w.Max - w.Min
	denom := cohortSize - 1
	if denom < 1 {
		denom = 1
	}
	base := w.Min + time.Duration(float64(memberIndex)/float64(denom)*float64(span))
	bound := time.Duration(w.Jitter * float64(span))
	lo := (base - bound).Truncate(time.Millisecond)
	if lo < time.Second {
		lo = time.Second
	}
	return lo, base + bound
}
