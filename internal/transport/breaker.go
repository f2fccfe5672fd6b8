package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/odatabatch/model"
)

// BreakerState represents the current state of a destination breaker.
type BreakerState int

const (
	// BreakerClosed lets batches through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects batches without touching the network.
	BreakerOpen
	// BreakerHalfOpen lets one trial batch through at a time.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures every breaker of a Breakers set.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables breaking.
	FailureThreshold int
	// SuccessThreshold is the number of trial successes that closes it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

type breaker struct {
	state     BreakerState
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

// Breakers tracks one circuit breaker per destination. A nil *Breakers lets
// everything through. It is safe for concurrent use.
type Breakers struct {
	settings BreakerSettings
	now      func() time.Time

	mu    sync.Mutex
	byKey map[string]*breaker
}

// NewBreakers returns a breaker set, or nil when s.FailureThreshold is not
// positive.
func NewBreakers(s BreakerSettings) *Breakers {
	if s.FailureThreshold <= 0 {
		return nil
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &Breakers{settings: s, now: time.Now, byKey: make(map[string]*breaker)}
}

func (b *Breakers) get(key string) *breaker {
	br, ok := b.byKey[key]
	if !ok {
		br = &breaker{}
		b.byKey[key] = br
	}
	return br
}

// advance moves an open breaker to half-open once its timeout has elapsed.
// Must be called with the lock held.
func (b *Breakers) advance(br *breaker) {
	if br.state == BreakerOpen && b.now().Sub(br.openedAt) >= b.settings.OpenTimeout {
		br.state = BreakerHalfOpen
		br.successes = 0
		br.probing = false
	}
}

// Allow reports whether a batch may be sent to the destination. The error is
// a CONNECTION_ERROR so callers treat it like an unreachable service.
func (b *Breakers) Allow(key string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(key)
	b.advance(br)
	switch br.state {
	case BreakerOpen:
		return model.NewConnectionError(fmt.Sprintf(
			"destination %s is failing; circuit open for %s", key, b.settings.OpenTimeout), nil)
	case BreakerHalfOpen:
		if br.probing {
			return model.NewConnectionError(fmt.Sprintf(
				"destination %s is on a trial batch; circuit half-open", key), nil)
		}
		br.probing = true
	}
	return nil
}

// Record reports the outcome of an allowed batch.
func (b *Breakers) Record(key string, ok bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(key)
	switch br.state {
	case BreakerClosed:
		if ok {
			br.failures = 0
			return
		}
		br.failures++
		if br.failures >= b.settings.FailureThreshold {
			br.state = BreakerOpen
			br.openedAt = b.now()
		}
	case BreakerHalfOpen:
		br.probing = false
		if !ok {
			br.state = BreakerOpen
			br.openedAt = b.now()
			return
		}
		br.successes++
		if br.successes >= b.settings.SuccessThreshold {
			*br = breaker{}
		}
	}
}

// State returns the breaker state for the destination.
func (b *Breakers) State(key string) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(key)
	b.advance(br)
	return br.state
}
