package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
	"feelinglocal-core/internal/usecase/resilience"
)

// ResilientEngine guards one engine with its own breaker, so a failing
// profile never trips the others.
type ResilientEngine struct {
	engine  repository.Engine
	reg     *resilience.Registry
	cfg     resilience.Config
	metrics repository.MetricsSink
	breaker string
}

func NewResilientEngine(e repository.Engine, reg *resilience.Registry, cfg resilience.Config, metrics repository.MetricsSink) *ResilientEngine {
	if metrics == nil {
		metrics = repository.NopMetrics{}
	}
	return &ResilientEngine{
		engine:  e,
		reg:     reg,
		cfg:     cfg,
		metrics: metrics,
		breaker: "engine:" + e.Name(),
	}
}

func (r *ResilientEngine) Name() string    { return r.engine.Name() }
func (r *ResilientEngine) Breaker() string { return r.breaker }

// Invoke calls the engine. A rejected call fails with breaker_open.
func (r *ResilientEngine) Invoke(ctx context.Context, req entity.EngineRequest) (*entity.EngineResponse, error) {
	return r.invoke(ctx, req, resilience.NoFallback[*entity.EngineResponse]())
}

// InvokeOr substitutes placeholder when the breaker rejects the call. The
// returned error is then a *entity.DegradedError.
func (r *ResilientEngine) InvokeOr(ctx context.Context, req entity.EngineRequest, placeholder string) (*entity.EngineResponse, error) {
	fb := resilience.FallbackFunc(func(error) *entity.EngineResponse {
		return &entity.EngineResponse{Text: placeholder, Model: r.engine.Name()}
	})
	return r.invoke(ctx, req, fb)
}

func (r *ResilientEngine) invoke(ctx context.Context, req entity.EngineRequest, fb resilience.Fallback[*entity.EngineResponse]) (*entity.EngineResponse, error) {
	start := time.Now()
	resp, err := resilience.Execute(ctx, r.reg, r.breaker, r.cfg, fb, func(ctx context.Context) (*entity.EngineResponse, error) {
		return r.engine.Invoke(ctx, req)
	})
	d := time.Since(start)

	outcome := "success"
	switch {
	case entity.IsDegraded(err):
		outcome = "degraded"
	case err != nil:
		outcome = string(entity.KindOf(err))
	}
	r.metrics.EngineCall(r.engine.Name(), outcome, d)

	if err != nil && !entity.IsDegraded(err) {
		zap.S().Warnw("engine call failed", "component", "engine", "engine", r.engine.Name(), "kind", entity.KindOf(err), "error", err)
		return nil, err
	}
	if resp != nil && resp.Latency == 0 {
		resp.Latency = d
	}
	return resp, err
}
