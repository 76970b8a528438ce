// Package resilience guards calls to flaky backends with timeouts, retries and
// per-backend circuit breakers.
package resilience

import (
	"time"
)

// Config is the serializable policy of one guarded backend operation.
type Config struct {
	Category                 string        `json:"category"` // timeout category for logs and metrics
	Timeout                  time.Duration `json:"timeout"`
	ErrorThresholdPercentage float64       `json:"error_threshold_percentage"`
	RollingWindow            time.Duration `json:"rolling_window"`
	RollingBuckets           int           `json:"rolling_buckets"`
	VolumeThreshold          int           `json:"volume_threshold"`
	ResetTimeout             time.Duration `json:"reset_timeout"`
	Retry                    RetryPolicy   `json:"retry"`
}

// RetryPolicy applies to transient failures only, inside the Timeout budget.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"` // including the first call
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       float64       `json:"jitter"` // fraction of the delay, 0.2 = up to +20%
}

// DefaultConfig mirrors the engine defaults the service runs with.
func DefaultConfig() Config {
	return Config{
		Category:                 "engine",
		Timeout:                  30 * time.Second,
		ErrorThresholdPercentage: 50,
		RollingWindow:            10 * time.Second,
		RollingBuckets:           10,
		VolumeThreshold:          10,
		ResetTimeout:             30 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Category == "" {
		c.Category = d.Category
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = d.RollingWindow
	}
	if c.RollingBuckets <= 0 {
		c.RollingBuckets = d.RollingBuckets
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 1
	}
	return c
}

type fallbackKind int

const (
	fallbackNone fallbackKind = iota
	fallbackStatic
	fallbackFunc
)

// Fallback is what a rejected call returns instead of running.
type Fallback[T any] struct {
	kind  fallbackKind
	value T
	fn    func(error) T
}

// NoFallback propagates the rejection.
func NoFallback[T any]() Fallback[T] { return Fallback[T]{} }

// StaticFallback substitutes a fixed value.
func StaticFallback[T any](v T) Fallback[T] { return Fallback[T]{kind: fallbackStatic, value: v} }

// FallbackFunc derives the substitute from the rejection error.
func FallbackFunc[T any](fn func(error) T) Fallback[T] {
	if fn == nil {
		return NoFallback[T]()
	}
	return Fallback[T]{kind: fallbackFunc, fn: fn}
}

// Enabled reports whether a substitute is configured.
func (f Fallback[T]) Enabled() bool { return f.kind != fallbackNone }

func (f Fallback[T]) resolve(cause error) T {
	switch f.kind {
	case fallbackStatic:
		return f.value
	case fallbackFunc:
		return f.fn(cause)
	}
	var zero T
	return zero
}
