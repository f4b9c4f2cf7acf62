// Package backoff computes retry delays for reconnect and rediscovery loops.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	// Jitter is the randomization factor in [0,1); 0.2 means +/-20%.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultPolicy returns the reconnect schedule used when nothing is configured:
// 1s, 2s, 4s ... capped at 30s, +/-20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Backoff hands out successive delays for one retry sequence. Delays are
// non-decreasing while the schedule grows and never exceed Policy.Max, jitter
// included. Once the nominal delay reaches Max, each delay is drawn from
// [Max*(1-Jitter), Max] so that clients stuck at the ceiling do not retry in
// lockstep.
type Backoff struct {
	mu       sync.Mutex
	policy   Policy
	attempts int
	nominal  float64
	last     time.Duration
	rand     func() float64
}

// New creates a Backoff for the given policy.
func New(p Policy) *Backoff {
	return &Backoff{
		policy: p.normalized(),
		rand:   rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxDelay := float64(b.policy.Max)
	if b.attempts == 0 {
		b.nominal = float64(b.policy.Base)
	} else {
		b.nominal *= b.policy.Multiplier
	}
	if b.nominal > maxDelay {
		b.nominal = maxDelay
	}
	b.attempts++

	if b.nominal >= maxDelay {
		d := time.Duration(maxDelay - b.rand()*b.policy.Jitter*maxDelay)
		b.last = d
		return d
	}

	delay := b.nominal
	if b.policy.Jitter > 0 {
		delay += (b.rand()*2 - 1) * b.policy.Jitter * b.nominal
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	d := time.Duration(delay)
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset restarts the schedule after a successful attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.nominal = 0
	b.last = 0
}

// Attempts returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Policy returns the effective policy after defaults were applied.
func (b *Backoff) Policy() Policy {
	return b.policy
}
