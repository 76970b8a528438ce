package resilience

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
)

const defaultEventBuffer = 256

// Registry owns every breaker of the process, keyed by "backend:operation".
// Breakers are created lazily on first use with the config of that call.
type Registry struct {
	now     func() time.Time
	metrics repository.MetricsSink
	events  chan entity.StateChange
	dropped atomic.Int64

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type Option func(*Registry)

// WithClock injects the time source used by every breaker.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithMetrics(m repository.MetricsSink) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithEventBuffer sizes the state change channel.
func WithEventBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.events = make(chan entity.StateChange, n)
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		metrics:  repository.NopMetrics{},
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.events == nil {
		r.events = make(chan entity.StateChange, defaultEventBuffer)
	}
	return r
}

// Events streams state changes in the order they happen. Sends never block
// the breaker: when the buffer is full the event is dropped and counted.
func (r *Registry) Events() <-chan entity.StateChange { return r.events }

// Dropped returns how many state changes were lost to a full buffer.
func (r *Registry) Dropped() int64 { return r.dropped.Load() }

func (r *Registry) emit(c entity.StateChange) {
	select {
	case r.events <- c:
	default:
		r.dropped.Add(1)
		zap.S().Warnw("breaker event dropped", "breaker", c.Breaker, "from", c.From, "to", c.To)
	}
	zap.S().Infow("breaker state changed", "breaker", c.Breaker, "from", c.From, "to", c.To, "reason", c.Reason)
}

// Breaker returns the breaker for name, creating it with cfg if needed.
func (r *Registry) Breaker(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, cfg.withDefaults(), r.now, r.emit)
	r.breakers[name] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Reset closes the named breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.Lookup(name)
	if !ok {
		return entity.NewError(entity.KindNotFound, "resilience.reset", "unknown breaker "+name, nil)
	}
	b.Reset()
	return nil
}

// Snapshots reports every breaker, sorted by name.
func (r *Registry) Snapshots() []entity.BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]entity.BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b entity.BreakerSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
