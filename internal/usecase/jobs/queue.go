// Package jobs runs oversized translations asynchronously: durable job records,
// per-kind pending lists and a bounded worker pool that checkpoints after each
// chunk.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
	"feelinglocal-core/internal/usecase/chunker"
)

// Translator is the miss-path the workers drive chunk by chunk.
type Translator interface {
	TranslateChunk(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error)
	TranslateItems(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error)
}

type Config struct {
	Workers     int                    // global concurrency across kinds
	PerKind     map[entity.JobKind]int // concurrency per kind
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	ClaimTTL    time.Duration
	PollWait    time.Duration
	ChunkRunes  int
	Budget      chunker.Budget
	Placeholder string

	// SweepInterval paces the search for jobs orphaned by a crashed worker.
	// Defaults to ClaimTTL.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers: 8,
		PerKind: map[entity.JobKind]int{
			entity.JobSingleText: 4,
			entity.JobFile:       2,
			entity.JobBatch:      2,
		},
		MaxAttempts: 3,
		RetryBase:   2 * time.Second,
		RetryMax:    30 * time.Second,
		ClaimTTL:    2 * time.Minute,
		PollWait:    2 * time.Second,
		ChunkRunes:  4000,
		Budget:      chunker.DefaultBudget(),
		Placeholder: "[[unavailable]]",
	}
}

type Queue struct {
	cfg     Config
	store   repository.JobStore
	tr      Translator
	pub     repository.ProgressPublisher
	metrics repository.MetricsSink
	pool    *ants.Pool
	sems    map[entity.JobKind]*semaphore.Weighted
	owner   string
	now     func() time.Time

	active   atomic.Int64
	mu       sync.Mutex
	stop     context.CancelFunc // stops the dispatchers
	abort    context.CancelFunc // interrupts in-flight jobs
	workCtx  context.Context
	dispatch sync.WaitGroup
	inflight sync.WaitGroup
}

type Option func(*Queue)

func WithPublisher(p repository.ProgressPublisher) Option {
	return func(q *Queue) {
		if p != nil {
			q.pub = p
		}
	}
}

func WithMetrics(m repository.MetricsSink) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(cfg Config, store repository.JobStore, tr Translator, opts ...Option) (*Queue, error) {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = d.ClaimTTL
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = d.PollWait
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.ClaimTTL
	}
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = d.ChunkRunes
	}
	if cfg.Budget.MaxTokens <= 0 {
		cfg.Budget = d.Budget
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = d.Placeholder
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, entity.NewError(entity.KindInternal, "jobs.new", "create worker pool", err)
	}
	q := &Queue{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		pub:     nopPublisher{},
		metrics: repository.NopMetrics{},
		pool:    pool,
		sems:    make(map[entity.JobKind]*semaphore.Weighted),
		owner:   uuid.NewString(),
		now:     time.Now,
	}
	for _, kind := range []entity.JobKind{entity.JobSingleText, entity.JobFile, entity.JobBatch} {
		n := cfg.PerKind[kind]
		if n <= 0 {
			n = 1
		}
		if n > cfg.Workers {
			n = cfg.Workers
		}
		q.sems[kind] = semaphore.NewWeighted(int64(n))
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, entity.ProgressEvent) error { return nil }

// Enqueue validates and persists a job, then pushes it onto its kind's list.
func (q *Queue) Enqueue(ctx context.Context, kind entity.JobKind, userID, userTier string, payload entity.JobPayload, opts entity.JobOptions) (string, error) {
	if err := validate(kind, payload); err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now().UTC()
	job := &entity.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		UserID:      userID,
		UserTier:    userTier,
		Payload:     payload,
		Status:      entity.JobQueued,
		Stage:       "queued",
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return "", err
	}
	if err := q.store.Push(ctx, kind, job.ID, opts.Priority); err != nil {
		return "", err
	}
	zap.S().Infow("job enqueued", "job_id", job.ID, "kind", kind, "user_id", userID)
	q.publish(ctx, job)
	return job.ID, nil
}

func validate(kind entity.JobKind, p entity.JobPayload) error {
	const op = "jobs.enqueue"
	if !kind.Valid() {
		return entity.Validationf(op, "unknown job kind %q", kind)
	}
	if p.Params.TargetLanguage == "" {
		return entity.Validationf(op, "target language is required")
	}
	switch kind {
	case entity.JobSingleText:
		if p.Text == "" {
			return entity.Validationf(op, "text is required")
		}
	case entity.JobFile:
		if p.FileName == "" {
			return entity.Validationf(op, "file name is required")
		}
		if len(p.Items) == 0 {
			return entity.Validationf(op, "file has no extracted segments")
		}
	case entity.JobBatch:
		if len(p.Items) == 0 {
			return entity.Validationf(op, "items are required")
		}
	}
	return nil
}

// Status returns the current record of a job.
func (q *Queue) Status(ctx context.Context, id string) (*entity.Job, error) {
	return q.store.Get(ctx, id)
}

// Cancel flags a job for cancellation. A queued job is failed immediately,
// an active one stops before its next chunk.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return entity.Validationf("jobs.cancel", "job %s is already %s", id, job.Status)
	}
	if err := q.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	if job.Status != entity.JobQueued {
		return nil
	}
	ok, err := q.store.Claim(ctx, id, q.owner, q.cfg.ClaimTTL)
	if err != nil || !ok {
		// A worker picked it up; it will see the flag.
		return err
	}
	defer q.release(id)
	q.finish(ctx, job, nil, entity.NewError(entity.KindCanceled, "jobs.cancel", "canceled by user", nil))
	return nil
}

// Start launches one dispatcher per kind. Dispatchers stop when ctx is done
// or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		return
	}
	dctx, stop := context.WithCancel(ctx)
	wctx, abort := context.WithCancel(context.WithoutCancel(ctx))
	q.stop, q.abort, q.workCtx = stop, abort, wctx

	for kind, sem := range q.sems {
		q.dispatch.Add(1)
		go q.run(dctx, kind, sem)
	}
	q.dispatch.Add(1)
	go q.sweep(dctx)
	zap.S().Infow("job workers started", "workers", q.cfg.Workers, "owner", q.owner)
}

func (q *Queue) run(ctx context.Context, kind entity.JobKind, sem *semaphore.Weighted) {
	defer q.dispatch.Done()
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		id, err := q.store.Pop(ctx, kind, q.cfg.PollWait)
		if err != nil || id == "" {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				zap.S().Warnw("job pop failed", "kind", kind, "error", err)
				sleep(ctx, q.cfg.PollWait)
			}
			continue
		}

		q.inflight.Add(1)
		err = q.pool.Submit(func() {
			defer q.inflight.Done()
			defer sem.Release(1)
			q.process(q.workCtx, kind, id)
		})
		if err != nil {
			q.inflight.Done()
			sem.Release(1)
			zap.S().Errorw("job not scheduled, requeueing", "job_id", id, "error", err)
			if perr := q.store.Requeue(context.WithoutCancel(ctx), kind, id); perr != nil {
				zap.S().Errorw("job requeue failed", "job_id", id, "error", perr)
			}
			if errors.Is(err, ants.ErrPoolClosed) {
				return
			}
		}
	}
}

// sweep hands back processing entries whose claim is gone. An entry must be
// seen unclaimed on two consecutive sweeps, which covers the gap between a
// worker's pop and its claim.
func (q *Queue) sweep(ctx context.Context) {
	defer q.dispatch.Done()
	t := time.NewTicker(q.cfg.SweepInterval)
	defer t.Stop()

	suspects := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		next := map[string]bool{}
		for kind := range q.sems {
			ids, err := q.store.Processing(ctx, kind)
			if err != nil {
				zap.S().Warnw("processing list unavailable", "kind", kind, "error", err)
				continue
			}
			for _, id := range ids {
				claimed, err := q.store.Claimed(ctx, id)
				if err != nil || claimed {
					continue
				}
				if !suspects[id] {
					next[id] = true
					continue
				}
				if err := q.store.Requeue(ctx, kind, id); err != nil {
					zap.S().Warnw("orphaned job requeue failed", "job_id", id, "error", err)
					continue
				}
				zap.S().Infow("orphaned job requeued", "job_id", id, "kind", kind)
			}
		}
		suspects = next
	}
}

// Stop stops the dispatchers and waits for in-flight jobs. When ctx expires
// first, running jobs are interrupted and requeued from their checkpoint.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	stop, abort := q.stop, q.abort
	q.mu.Unlock()
	if stop == nil {
		q.pool.Release()
		return nil
	}
	stop()
	q.dispatch.Wait()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		abort()
		<-done
		err = ctx.Err()
	}
	abort()
	q.pool.Release()
	zap.S().Infow("job workers stopped", "owner", q.owner)
	return err
}

// Stats is the health view of the queue.
type Stats struct {
	Pending map[entity.JobKind]int64 `json:"pending"`
	Active  int64                    `json:"active"`
	Workers int                      `json:"workers"`
	Running int                      `json:"running"`
}

func (q *Queue) Stats(ctx context.Context) Stats {
	s := Stats{
		Pending: make(map[entity.JobKind]int64, len(q.sems)),
		Active:  q.active.Load(),
		Workers: q.cfg.Workers,
		Running: q.pool.Running(),
	}
	for kind := range q.sems {
		n, err := q.store.Pending(ctx, kind)
		if err != nil {
			zap.S().Warnw("pending count failed", "kind", kind, "error", err)
			continue
		}
		s.Pending[kind] = n
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
