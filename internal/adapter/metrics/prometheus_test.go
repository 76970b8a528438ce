package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
)

var _ repository.MetricsSink = (*Prometheus)(nil)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus()

	p.CacheLookup(entity.TierMemory, true)
	p.CacheLookup(entity.TierMemory, false)
	p.CacheLookup(entity.TierMemory, true)
	p.Timeout("engine")
	p.EngineCall("fast", "success", 200*time.Millisecond)
	p.JobFinished(entity.JobBatch, entity.JobCompleted, 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues(entity.TierMemory, "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues(entity.TierMemory, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.timeouts.WithLabelValues("engine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.engineCalls.WithLabelValues("fast", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("batch", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.engineTime))
}

func TestConsume_TracksBreakerState(t *testing.T) {
	p := NewPrometheus()
	events := make(chan entity.StateChange, 2)
	events <- entity.StateChange{Breaker: "engine:fast", From: entity.BreakerClosed, To: entity.BreakerOpen}
	events <- entity.StateChange{Breaker: "engine:fast", From: entity.BreakerOpen, To: entity.BreakerHalfOpen}
	close(events)

	Consume(context.Background(), events, p)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.breakerState.WithLabelValues("engine:fast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("engine:fast", "closed", "open")))
}

func TestConsume_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		Consume(ctx, make(chan entity.StateChange), NewPrometheus())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}
