package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
)

// Operation is one guarded call. It should honour ctx, but Execute returns at
// the deadline even when it does not.
type Operation[T any] func(ctx context.Context) (T, error)

// Execute runs op under the named breaker.
//
// A rejected call never reaches op: it returns the fallback value together with
// a *entity.DegradedError when a fallback is configured, and a breaker_open
// error otherwise. Timeouts and backend failures always propagate.
func Execute[T any](ctx context.Context, r *Registry, name string, cfg Config, fb Fallback[T], op Operation[T]) (T, error) {
	var zero T
	b := r.Breaker(name, cfg)
	cfg = b.Config()

	trial, err := b.allow()
	if err != nil {
		if fb.Enabled() {
			return fb.resolve(err), &entity.DegradedError{Backend: name, Cause: err}
		}
		return zero, err
	}

	rec := entity.TimeoutRecord{Category: cfg.Category, Timeout: cfg.Timeout, Start: r.now()}
	val, err := runWithRetry(ctx, cfg, op)
	if err == nil {
		b.record(outcomeSuccess, trial)
		return val, nil
	}

	classified := classify(name, err)
	switch classified.Kind {
	case entity.KindTimeout:
		b.record(outcomeTimeout, trial)
		r.metrics.Timeout(cfg.Category)
		zap.S().Warnw("guarded call timed out",
			"breaker", name,
			"category", rec.Category,
			"budget", rec.Timeout,
			"elapsed", rec.Elapsed(r.now()),
		)
	case entity.KindCanceled, entity.KindValidation:
		b.record(outcomeNeutral, trial)
	default:
		b.record(outcomeFailure, trial)
	}
	return zero, classified
}

// Guard binds an operation to its breaker so it can be called repeatedly.
func Guard[T any](r *Registry, name string, cfg Config, fb Fallback[T], op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, r, name, cfg, fb, op)
	}
}

// runWithRetry applies the timeout to the whole call, retries included.
func runWithRetry[T any](parent context.Context, cfg Config, op Operation[T]) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	p := cfg.Retry
	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		val, err := attemptOnce(ctx, op)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if attempt >= p.MaxAttempts || ctx.Err() != nil || !IsRetryable(err) {
			return zero, lastErr
		}

		wait := backoff(delay, p.Jitter)
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= wait {
			// The next attempt could not finish inside the budget.
			return zero, lastErr
		}
		zap.S().Debugw("retrying transient failure", "attempt", attempt, "wait", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

type result[T any] struct {
	val T
	err error
}

func attemptOnce[T any](ctx context.Context, op Operation[T]) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result[T]{err: fmt.Errorf("guarded operation panicked: %v", p)}
			}
		}()
		v, err := op(ctx)
		ch <- result[T]{val: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func backoff(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Float64()*jitter*float64(delay))
}

// classify turns any failure of a guarded call into a structured error.
func classify(name string, err error) *entity.Error {
	switch kind := entity.KindOf(err); kind {
	case entity.KindTimeout:
		return entity.NewError(kind, name, "call exceeded its time budget", err)
	case entity.KindCanceled:
		return entity.NewError(kind, name, "call canceled", err)
	case entity.KindInternal:
		if IsRetryable(err) {
			return entity.NewError(entity.KindTransient, name, "transient failure", err)
		}
		return entity.NewError(entity.KindBackend, name, "backend failure", err)
	default:
		return entity.AsError(err)
	}
}

// IsRetryable reports whether err is worth another attempt: explicit transient
// kinds, network timeouts, and provider messages for rate limits or overload.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch entity.KindOf(err) {
	case entity.KindTransient:
		return true
	case entity.KindInternal:
	default:
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "connection reset")
}
