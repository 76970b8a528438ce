package repository

import (
	"context"
	"time"

	"feelinglocal-core/internal/domain/entity"
)

// Engine is one interchangeable text-generation backend. Name is the stable
// identity used to partition circuit breakers.
type Engine interface {
	Name() string
	Invoke(ctx context.Context, req entity.EngineRequest) (*entity.EngineResponse, error)
}

// Reviewer runs the second-opinion pass over a draft translation.
type Reviewer interface {
	Review(ctx context.Context, source, draft string, params entity.Params) (string, error)
}

type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStore backs the semantic tier.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, threshold float32, filters map[string]string, maxAge time.Duration) (*entity.VectorMatch, error)
	Save(ctx context.Context, entry *entity.CacheEntry, vector []float32) error
	Purge(ctx context.Context, key string) error // empty key purges everything
}

// ExactStore backs the shared exact-match tier.
type ExactStore interface {
	Get(ctx context.Context, key string) (*entity.CacheEntry, error) // nil, nil on miss
	Set(ctx context.Context, entry *entity.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}

// JobStore persists job records. A popped id sits in a processing list until
// it is acknowledged or handed back, so a crashed worker's jobs can be found.
type JobStore interface {
	Create(ctx context.Context, job *entity.Job) error
	Save(ctx context.Context, job *entity.Job) error // refuses to overwrite a terminal record
	Get(ctx context.Context, id string) (*entity.Job, error)
	Push(ctx context.Context, kind entity.JobKind, id string, front bool) error
	Pop(ctx context.Context, kind entity.JobKind, wait time.Duration) (string, error) // "" when nothing is pending
	Ack(ctx context.Context, kind entity.JobKind, id string) error
	Requeue(ctx context.Context, kind entity.JobKind, id string) error // processing back to the pending front
	Processing(ctx context.Context, kind entity.JobKind) ([]string, error)
	Claim(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) // acquires, or refreshes an own claim
	Claimed(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id, owner string) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	Pending(ctx context.Context, kind entity.JobKind) (int64, error)
}

// JobSubmitter hands oversized work to the job queue.
type JobSubmitter interface {
	Enqueue(ctx context.Context, kind entity.JobKind, userID, userTier string, payload entity.JobPayload, opts entity.JobOptions) (string, error)
}

// ProgressPublisher pushes job progress to an external event channel.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev entity.ProgressEvent) error
}

// MetricsSink is fire-and-forget.
type MetricsSink interface {
	CacheLookup(tier string, hit bool)
	BreakerTransition(change entity.StateChange)
	Timeout(category string)
	EngineCall(engine, outcome string, d time.Duration)
	JobFinished(kind entity.JobKind, status entity.JobStatus, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CacheLookup(string, bool) {}
func (NopMetrics) BreakerTransition(entity.StateChange) {}
func (NopMetrics) Timeout(string) {}
func (NopMetrics) EngineCall(string, string, time.Duration) {}
func (NopMetrics) JobFinished(entity.JobKind, entity.JobStatus, time.Duration) {}
