package usecase_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feelinglocal-core/internal/adapter/store"
	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/usecase"
	"feelinglocal-core/internal/usecase/cache"
	"feelinglocal-core/internal/usecase/jobs"
	"feelinglocal-core/internal/usecase/resilience"
	"feelinglocal-core/internal/usecase/router"
)

type upperEngine struct {
	name  string
	calls atomic.Int64
}

func (e *upperEngine) Name() string { return e.name }

func (e *upperEngine) Invoke(_ context.Context, req entity.EngineRequest) (*entity.EngineResponse, error) {
	e.calls.Add(1)
	return &entity.EngineResponse{Text: strings.ToUpper(req.Prompt), UsageTokens: 1}, nil
}

type stack struct {
	tr     *usecase.Translator
	queue  *jobs.Queue
	engine *upperEngine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func newStack(t *testing.T, mr *miniredis.Miniredis, inline int) *stack {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := resilience.NewRegistry()
	cm, err := cache.New(cache.Config{
		MemorySize: 100,
		MemoryTTL:  time.Minute,
		ExactTTL:   time.Hour,
	}, cache.Deps{Exact: store.NewRedisCache(rdb), Registry: reg})
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	policy := router.DefaultPolicy()
	policy.Known = []string{policy.Fast}
	eng := &upperEngine{name: policy.Fast}
	breaker := resilience.DefaultConfig()
	breaker.Retry = resilience.RetryPolicy{MaxAttempts: 1}

	cfg := usecase.DefaultConfig()
	cfg.InlineThreshold = inline
	tr := usecase.NewTranslator(cfg, router.New(policy), cm,
		[]*usecase.ResilientEngine{usecase.NewResilientEngine(eng, reg, breaker, nil)}, nil, reg)

	s := &stack{tr: tr, engine: eng, mr: mr, rdb: rdb}
	s.queue = s.newQueue(t, tr)
	return s
}

// newQueue attaches a queue whose workers drive w.
func (s *stack) newQueue(t *testing.T, w jobs.Translator) *jobs.Queue {
	t.Helper()
	qcfg := jobs.DefaultConfig()
	qcfg.PollWait = 100 * time.Millisecond
	qcfg.RetryBase = time.Millisecond
	q, err := jobs.New(qcfg, store.NewRedisJobStore(s.rdb, time.Hour), w)
	require.NoError(t, err)
	s.tr.AttachQueue(q)
	return q
}

func startQueue(t *testing.T, q *jobs.Queue) {
	t.Helper()
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
}

// routeLog records every chunk result the workers receive.
type routeLog struct {
	jobs.Translator
	mu     sync.Mutex
	chunks []entity.ChunkResult
}

func (r *routeLog) TranslateChunk(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error) {
	res, err := r.Translator.TranslateChunk(ctx, req)
	if res != nil {
		r.mu.Lock()
		r.chunks = append(r.chunks, *res)
		r.mu.Unlock()
	}
	return res, err
}

func (r *routeLog) seen() []entity.ChunkResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.ChunkResult(nil), r.chunks...)
}

func waitJob(t *testing.T, q *jobs.Queue, id string) *entity.Job {
	t.Helper()
	var job *entity.Job
	require.Eventually(t, func() bool {
		j, err := q.Status(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return job
}

func legal(n int) string {
	s := "The tenant shall keep the premises in good repair and condition. "
	return strings.Repeat(s, n/len(s)+1)[:n]
}

func TestE2E_LongLegalRequestWithoutPremium(t *testing.T) {
	s := newStack(t, miniredis.RunT(t), 30000)

	text := legal(20000)
	resp, err := s.tr.Translate(context.Background(), entity.TranslateRequest{
		UserID:       "u1",
		UserTier:     "pro",
		Text:         text,
		AllowPremium: false,
		Params:       entity.Params{Mode: "legal", TargetLanguage: "de"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hard_mode+pro_disabled", resp.Reason)
	assert.Equal(t, router.DefaultPolicy().Fast, resp.Engine)
	assert.Greater(t, resp.Chunks, 1)
	assert.Equal(t, strings.TrimSpace(strings.ToUpper(text)), resp.Result)
	assert.Len(t, s.mr.Keys(), 1, "one exact-tier entry")
}

func TestE2E_RepeatedRequestHitsMemory(t *testing.T) {
	s := newStack(t, miniredis.RunT(t), 30000)
	req := entity.TranslateRequest{Text: "Sign here, please.", Params: entity.Params{Mode: "legal", TargetLanguage: "fr"}}

	first, err := s.tr.Translate(context.Background(), req)
	require.NoError(t, err)
	second, err := s.tr.Translate(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, first.CacheTier)
	assert.Equal(t, entity.TierMemory, second.CacheTier)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int64(1), s.engine.calls.Load())
}

func TestE2E_ExactTierIsShared(t *testing.T) {
	mr := miniredis.RunT(t)
	req := entity.TranslateRequest{Text: "Sign here, please.", Params: entity.Params{TargetLanguage: "fr"}}

	_, err := newStack(t, mr, 30000).tr.Translate(context.Background(), req)
	require.NoError(t, err)

	other := newStack(t, mr, 30000)
	resp, err := other.tr.Translate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, entity.TierExact, resp.CacheTier)
	assert.Equal(t, "SIGN HERE, PLEASE.", resp.Result)
	assert.Zero(t, other.engine.calls.Load())
}

func TestE2E_OversizedRequestCompletesAsJob(t *testing.T) {
	s := newStack(t, miniredis.RunT(t), 1000)
	startQueue(t, s.queue)

	text := legal(9000)
	resp, err := s.tr.Translate(context.Background(), entity.TranslateRequest{
		UserID: "u1",
		Text:   text,
		Params: entity.Params{Mode: "legal", TargetLanguage: "de"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.JobID)
	assert.Empty(t, resp.Result)

	job := waitJob(t, s.queue, resp.JobID)
	require.Equal(t, entity.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Result)
	assert.Equal(t, strings.ToUpper(text), job.Result.Text)
	assert.Equal(t, 3, job.Result.Metadata.ChunkCount)
	assert.Zero(t, job.Result.Metadata.DegradedChunks)
	assert.Equal(t, []string{router.DefaultPolicy().Fast}, job.Result.Metadata.Engines)
	assert.Equal(t, "u1", job.UserID)
}

func TestE2E_LongLegalJobRoutesEveryChunkToFast(t *testing.T) {
	s := newStack(t, miniredis.RunT(t), 5000)
	log := &routeLog{Translator: s.tr}
	q := s.newQueue(t, log)
	startQueue(t, q)

	text := legal(20000)
	resp, err := s.tr.Translate(context.Background(), entity.TranslateRequest{
		UserID:       "u1",
		UserTier:     "pro",
		Text:         text,
		AllowPremium: false,
		Params:       entity.Params{Mode: "legal", TargetLanguage: "de"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, "hard_mode+pro_disabled", resp.Reason)

	job := waitJob(t, q, resp.JobID)
	require.Equal(t, entity.JobCompleted, job.Status, "error: %v", job.Error)
	assert.Equal(t, strings.ToUpper(text), job.Result.Text)

	fast := router.DefaultPolicy().Fast
	chunks := log.seen()
	require.GreaterOrEqual(t, len(chunks), 5)
	assert.Equal(t, len(chunks), job.Result.Metadata.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, "hard_mode+pro_disabled", c.Reason, "chunk %d", i)
		assert.Equal(t, fast, c.Engine, "chunk %d", i)
	}
	assert.Equal(t, []string{fast}, job.Result.Metadata.Engines)
	// Repeated chunk texts may be served from cache.
	assert.LessOrEqual(t, s.engine.calls.Load(), int64(len(chunks)))
}

func TestE2E_InvalidateAllKeepsQueuedJobs(t *testing.T) {
	s := newStack(t, miniredis.RunT(t), 1000)
	ctx := context.Background()

	_, err := s.tr.Translate(ctx, entity.TranslateRequest{Text: "Sign here, please.", Params: entity.Params{TargetLanguage: "fr"}})
	require.NoError(t, err)
	resp, err := s.tr.Translate(ctx, entity.TranslateRequest{UserID: "u1", Text: legal(3000), Params: entity.Params{TargetLanguage: "de"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.JobID)

	removed, err := s.tr.InvalidateCache(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "memory and exact copies of one entry")

	job, err := s.queue.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobQueued, job.Status)
	assert.Equal(t, int64(1), s.queue.Stats(ctx).Pending[entity.JobSingleText])

	startQueue(t, s.queue)
	done := waitJob(t, s.queue, resp.JobID)
	assert.Equal(t, entity.JobCompleted, done.Status)
}
