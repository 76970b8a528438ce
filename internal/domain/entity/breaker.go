package entity

import "time"

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// StateChange is emitted, in order, for every breaker transition.
type StateChange struct {
	Breaker string       `json:"breaker"`
	From    BreakerState `json:"from"`
	To      BreakerState `json:"to"`
	At      time.Time    `json:"at"`
	Reason  string       `json:"reason"`
}

// BreakerCounters are the rolling-window counters of one breaker.
type BreakerCounters struct {
	Fires     int64 `json:"fires"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	Rejects   int64 `json:"rejects"`
}

type BreakerSnapshot struct {
	Name          string          `json:"name"`
	State         BreakerState    `json:"state"`
	Window        BreakerCounters `json:"window"`
	FailureRate   float64         `json:"failure_rate"`
	LastChange    time.Time       `json:"last_change"`
	OpenedAt      time.Time       `json:"opened_at,omitempty"`
	TrialInFlight bool            `json:"trial_in_flight"`
}

// TimeoutRecord lives only while a guarded operation is in flight.
type TimeoutRecord struct {
	Category string
	Timeout  time.Duration
	Start    time.Time
}

// Elapsed reports how long the guarded call has been running.
func (r TimeoutRecord) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.Start)
}
