package resilience

import (
	"sync"
	"time"

	"feelinglocal-core/internal/domain/entity"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
	outcomeNeutral // caller cancellation, bad input: says nothing about backend health
)

type bucket struct {
	slot     int64
	counters entity.BreakerCounters
}

// window keeps bucketed counters over the rolling period.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(period time.Duration, n int) *window {
	w := period / time.Duration(n)
	if w <= 0 {
		w = time.Millisecond
	}
	return &window{width: w, buckets: make([]bucket, n)}
}

func (w *window) current(now time.Time) *entity.BreakerCounters {
	slot := now.UnixNano() / int64(w.width)
	b := &w.buckets[slot%int64(len(w.buckets))]
	if b.slot != slot {
		b.slot = slot
		b.counters = entity.BreakerCounters{}
	}
	return &b.counters
}

func (w *window) sum(now time.Time) entity.BreakerCounters {
	slot := now.UnixNano() / int64(w.width)
	oldest := slot - int64(len(w.buckets)) + 1
	var out entity.BreakerCounters
	for _, b := range w.buckets {
		if b.slot < oldest || b.slot > slot {
			continue
		}
		out.Fires += b.counters.Fires
		out.Successes += b.counters.Successes
		out.Failures += b.counters.Failures
		out.Timeouts += b.counters.Timeouts
		out.Rejects += b.counters.Rejects
	}
	return out
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

// Breaker is the circuit breaker of one backend operation. State changes only
// as a result of recorded outcomes, except for an explicit Reset.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time
	emit func(entity.StateChange)

	mu            sync.Mutex
	state         entity.BreakerState
	win           *window
	openedAt      time.Time
	lastChange    time.Time
	trialInFlight bool
}

func newBreaker(name string, cfg Config, now func() time.Time, emit func(entity.StateChange)) *Breaker {
	return &Breaker{
		name:       name,
		cfg:        cfg,
		now:        now,
		emit:       emit,
		state:      entity.BreakerClosed,
		win:        newWindow(cfg.RollingWindow, cfg.RollingBuckets),
		lastChange: now(),
	}
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state, resolving an elapsed open period lazily
// only on the next admission.
func (b *Breaker) State() entity.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow admits or rejects a call. trial is true for the single half-open probe.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	switch b.state {
	case entity.BreakerClosed:
		b.win.current(now).Fires++
		return false, nil

	case entity.BreakerOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(entity.BreakerHalfOpen, now, "reset_timeout_elapsed")
			b.trialInFlight = true
			b.win.current(now).Fires++
			return true, nil
		}

	case entity.BreakerHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			b.win.current(now).Fires++
			return true, nil
		}
	}

	b.win.current(now).Rejects++
	return false, entity.NewError(entity.KindBreakerOpen, b.name, "circuit breaker is "+string(b.state), nil)
}

// record feeds one outcome back into the breaker.
func (b *Breaker) record(o outcome, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.win.current(now)

	switch o {
	case outcomeSuccess:
		c.Successes++
	case outcomeFailure:
		c.Failures++
	case outcomeTimeout:
		c.Timeouts++
	}

	if trial {
		b.trialInFlight = false
		switch o {
		case outcomeSuccess:
			b.win.reset()
			b.transition(entity.BreakerClosed, now, "trial_succeeded")
		case outcomeFailure, outcomeTimeout:
			b.openedAt = now
			b.transition(entity.BreakerOpen, now, "trial_failed")
		}
		return
	}

	if b.state != entity.BreakerClosed || o == outcomeNeutral {
		return
	}
	total, rate := b.rate(now)
	if total >= int64(b.cfg.VolumeThreshold) && rate >= b.cfg.ErrorThresholdPercentage {
		b.openedAt = now
		b.transition(entity.BreakerOpen, now, "failure_rate_exceeded")
	}
}

func (b *Breaker) rate(now time.Time) (int64, float64) {
	s := b.win.sum(now)
	total := s.Successes + s.Failures + s.Timeouts
	if total == 0 {
		return 0, 0
	}
	return total, float64(s.Failures+s.Timeouts) * 100 / float64(total)
}

// transition must be called with mu held.
func (b *Breaker) transition(to entity.BreakerState, now time.Time, reason string) {
	if b.state == to {
		return
	}
	change := entity.StateChange{Breaker: b.name, From: b.state, To: to, At: now, Reason: reason}
	b.state = to
	b.lastChange = now
	if b.emit != nil {
		b.emit(change)
	}
}

// Reset closes the breaker and clears its window. Administrative use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.win.reset()
	b.trialInFlight = false
	b.openedAt = time.Time{}
	b.transition(entity.BreakerClosed, b.now(), "manual_reset")
}

// Snapshot reports the breaker for health checks.
func (b *Breaker) Snapshot() entity.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	_, rate := b.rate(now)
	return entity.BreakerSnapshot{
		Name:          b.name,
		State:         b.state,
		Window:        b.win.sum(now),
		FailureRate:   rate,
		LastChange:    b.lastChange,
		OpenedAt:      b.openedAt,
		TrialInFlight: b.trialInFlight,
	}
}
