// Package cache implements the three translation cache tiers: an in-process
// LRU, the shared exact-match store and the semantic vector store.
package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
	"feelinglocal-core/internal/usecase/resilience"
)

const (
	breakerEmbed  = "embedder:embed"
	breakerSearch = "vector:search"
	breakerSave   = "vector:save"
)

type Config struct {
	MemorySize      int
	MemoryTTL       time.Duration
	ExactTTL        time.Duration
	SemanticTTL     time.Duration // also the freshness window of semantic hits
	SemanticEnabled bool
	AsyncWorkers    int
	Breaker         resilience.Config // shared by the embedder and vector breakers
}

func DefaultConfig() Config {
	b := resilience.DefaultConfig()
	b.Category = "cache"
	b.Timeout = 3 * time.Second
	b.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	return Config{
		MemorySize:      10000,
		MemoryTTL:       10 * time.Minute,
		ExactTTL:        7 * 24 * time.Hour,
		SemanticTTL:     30 * 24 * time.Hour,
		SemanticEnabled: true,
		AsyncWorkers:    8,
		Breaker:         b,
	}
}

// Deps are the optional backing stores. A nil store disables its tier.
type Deps struct {
	Exact    repository.ExactStore
	Embedder repository.Embedder
	Vectors  repository.VectorStore
	Registry *resilience.Registry
	Metrics  repository.MetricsSink
}

type tierStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// TierStats is the health view of one tier.
type TierStats struct {
	Enabled bool  `json:"enabled"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries,omitempty"`
}

type Manager struct {
	cfg      Config
	mem      *expirable.LRU[string, *entity.CacheEntry]
	exact    repository.ExactStore
	embedder repository.Embedder
	vectors  repository.VectorStore
	reg      *resilience.Registry
	metrics  repository.MetricsSink
	pool     *ants.Pool
	pending  sync.WaitGroup
	stats    map[string]*tierStats
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = DefaultConfig().MemorySize
	}
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = 1
	}
	pool, err := ants.NewPool(cfg.AsyncWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, entity.NewError(entity.KindInternal, "cache.new", "create write pool", err)
	}
	m := &Manager{
		cfg:      cfg,
		mem:      expirable.NewLRU[string, *entity.CacheEntry](cfg.MemorySize, nil, cfg.MemoryTTL),
		exact:    deps.Exact,
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		reg:      deps.Registry,
		metrics:  deps.Metrics,
		pool:     pool,
		stats: map[string]*tierStats{
			entity.TierMemory:   {},
			entity.TierExact:    {},
			entity.TierSemantic: {},
		},
	}
	if m.reg == nil {
		m.reg = resilience.NewRegistry()
	}
	if m.metrics == nil {
		m.metrics = repository.NopMetrics{}
	}
	return m, nil
}

func (m *Manager) semanticOn() bool {
	return m.cfg.SemanticEnabled && m.embedder != nil && m.vectors != nil
}

func (m *Manager) count(tier string, hit bool) {
	s := m.stats[tier]
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	m.metrics.CacheLookup(tier, hit)
}

// Get looks id up through the tiers, fastest first. The returned entry is a
// copy with Tier set to the tier that served it. Tier failures read as misses.
func (m *Manager) Get(ctx context.Context, id Identity) (*entity.CacheEntry, bool) {
	key := id.Key()
	if e, ok := m.memoryGet(key); ok {
		return e, true
	}
	if e, ok := m.exactGet(ctx, key); ok {
		return e, true
	}
	if !m.semanticOn() || len(id.Injections) > 0 {
		return nil, false
	}
	e, ok := m.semanticGet(ctx, key, id)
	if ok {
		m.storeMemory(key, e)
	}
	return e, ok
}

func (m *Manager) memoryGet(key string) (*entity.CacheEntry, bool) {
	e, ok := m.mem.Get(key)
	m.count(entity.TierMemory, ok)
	if !ok {
		return nil, false
	}
	out := e.Clone()
	out.Tier = entity.TierMemory
	return out, true
}

func (m *Manager) exactGet(ctx context.Context, key string) (*entity.CacheEntry, bool) {
	if m.exact == nil {
		return nil, false
	}
	e, err := m.exact.Get(ctx, key)
	if err != nil {
		zap.S().Warnw("exact tier lookup failed", "key", key, "error", err)
	}
	hit := err == nil && e != nil
	m.count(entity.TierExact, hit)
	if !hit {
		return nil, false
	}
	m.storeMemory(key, e)
	out := e.Clone()
	out.Tier = entity.TierExact
	return out, true
}

type attempt struct {
	threshold float32
	filters   map[string]string
}

// cascade relaxes filters and threshold step by step. The mode and target
// language filters are never dropped. Without a known engine the engine step
// would repeat the first one, so it is left out.
func cascade(id Identity) []attempt {
	base := SemanticThreshold(id.Text)
	noEngine := map[string]string{
		entity.FieldMode:       attr(id.Mode),
		entity.FieldTargetLang: attr(id.TargetLanguage),
	}
	if s := attr(id.SubStyle); s != "" {
		noEngine[entity.FieldSubStyle] = s
	}
	noStyle := clone(noEngine)
	delete(noStyle, entity.FieldSubStyle)

	engine := attr(id.Engine)
	if engine == "" {
		engine = attr(id.RoutedEngine)
	}
	if engine == "" {
		return []attempt{
			{threshold: base, filters: noEngine},
			{threshold: base - 0.02, filters: noStyle},
		}
	}
	full := clone(noEngine)
	full[entity.FieldEngine] = engine
	return []attempt{
		{threshold: base, filters: full},
		{threshold: base - 0.01, filters: noEngine},
		{threshold: base - 0.02, filters: noStyle},
	}
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SemanticThreshold is stricter for longer inputs, where small edits matter more.
func SemanticThreshold(text string) float32 {
	switch n := utf8.RuneCountInString(text); {
	case n < 100:
		return 0.92
	case n < 500:
		return 0.94
	default:
		return 0.96
	}
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	return resilience.Execute(ctx, m.reg, breakerEmbed, m.cfg.Breaker, resilience.NoFallback[[]float32](),
		func(ctx context.Context) ([]float32, error) {
			return m.embedder.CreateEmbedding(ctx, text)
		})
}

func (m *Manager) semanticGet(ctx context.Context, key string, id Identity) (*entity.CacheEntry, bool) {
	vec, err := m.embed(ctx, NormalizeText(id.Text))
	if err != nil {
		zap.S().Warnw("semantic tier embedding failed", "key", key, "error", err)
		m.count(entity.TierSemantic, false)
		return nil, false
	}

	for i, a := range cascade(id) {
		match, err := resilience.Execute(ctx, m.reg, breakerSearch, m.cfg.Breaker, resilience.NoFallback[*entity.VectorMatch](),
			func(ctx context.Context) (*entity.VectorMatch, error) {
				return m.vectors.Search(ctx, vec, a.threshold, a.filters, m.cfg.SemanticTTL)
			})
		if err != nil {
			zap.S().Warnw("semantic tier search failed", "key", key, "attempt", i+1, "error", err)
			break
		}
		if match == nil || match.Entry == nil || match.Score < a.threshold {
			continue
		}
		zap.S().Debugw("semantic hit", "key", key, "attempt", i+1, "score", match.Score)
		m.count(entity.TierSemantic, true)
		out := match.Entry.Clone()
		out.Tier = entity.TierSemantic
		out.Similarity = match.Score
		return out, true
	}
	m.count(entity.TierSemantic, false)
	return nil, false
}

func (m *Manager) storeMemory(key string, e *entity.CacheEntry) {
	c := e.Clone()
	c.Key = key
	c.Tier = ""
	c.Similarity = 0
	m.mem.Add(key, c)
}

// Set writes a fresh translation. Memory and exact writes finish before Set
// returns, the semantic write happens in the background.
func (m *Manager) Set(ctx context.Context, id Identity, result, engine string) {
	key := id.Key()
	entry := &entity.CacheEntry{
		Key:    key,
		Input:  id.Text,
		Result: result,
		Params: entity.Params{
			Mode:           id.Mode,
			SubStyle:       id.SubStyle,
			TargetLanguage: id.TargetLanguage,
			Injections:     id.Injections,
		},
		Engine:    engine,
		CreatedAt: time.Now().UTC(),
	}
	m.write(ctx, entry)
	if m.semanticOn() && len(id.Injections) == 0 {
		m.saveSemanticAsync(ctx, entry)
	}
}

func (m *Manager) write(ctx context.Context, entry *entity.CacheEntry) {
	m.storeMemory(entry.Key, entry)
	if m.exact == nil {
		return
	}
	if err := m.exact.Set(ctx, entry, m.cfg.ExactTTL); err != nil {
		zap.S().Warnw("exact tier write failed", "key", entry.Key, "error", err)
	}
}

func (m *Manager) saveSemanticAsync(ctx context.Context, entry *entity.CacheEntry) {
	ctx = context.WithoutCancel(ctx)
	e := entry.Clone()
	// Payload values are matched exactly, so they are stored the way cascade filters.
	e.Params.Mode = attr(e.Params.Mode)
	e.Params.SubStyle = attr(e.Params.SubStyle)
	e.Params.TargetLanguage = attr(e.Params.TargetLanguage)
	e.Engine = attr(e.Engine)
	m.pending.Add(1)
	err := m.pool.Submit(func() {
		defer m.pending.Done()
		vec, err := m.embed(ctx, NormalizeText(e.Input))
		if err != nil {
			zap.S().Warnw("semantic write embedding failed", "key", e.Key, "error", err)
			return
		}
		_, err = resilience.Execute(ctx, m.reg, breakerSave, m.cfg.Breaker, resilience.NoFallback[struct{}](),
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.vectors.Save(ctx, e, vec)
			})
		if err != nil {
			zap.S().Warnw("semantic write failed", "key", e.Key, "error", err)
		}
	})
	if err != nil {
		m.pending.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			zap.S().Warnw("semantic write dropped, pool saturated", "key", e.Key)
			return
		}
		zap.S().Warnw("semantic write not scheduled", "key", e.Key, "error", err)
	}
}

// GetBatch looks a whole batch up in the memory and exact tiers.
func (m *Manager) GetBatch(ctx context.Context, id BatchIdentity) (*entity.CacheEntry, bool) {
	key := id.Key()
	if e, ok := m.memoryGet(key); ok && len(e.Items) == len(id.Items) {
		return e, true
	}
	if e, ok := m.exactGet(ctx, key); ok && len(e.Items) == len(id.Items) {
		return e, true
	}
	return nil, false
}

func (m *Manager) SetBatch(ctx context.Context, id BatchIdentity, items []string, engine string) {
	entry := &entity.CacheEntry{
		Key:   id.Key(),
		Items: append([]string(nil), items...),
		Params: entity.Params{
			Mode:           id.Mode,
			SubStyle:       id.SubStyle,
			TargetLanguage: id.TargetLanguage,
			Injections:     id.Injections,
		},
		Engine:    engine,
		CreatedAt: time.Now().UTC(),
	}
	m.write(ctx, entry)
}

// Invalidate removes every entry whose key matches pattern (glob syntax) from
// all tiers. The semantic tier supports a full purge or a single exact key.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, entity.Validationf("cache.invalidate", "pattern is required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, entity.Validationf("cache.invalidate", "bad pattern %q: %v", pattern, err)
	}

	removed := 0
	for _, k := range m.mem.Keys() {
		if ok, _ := path.Match(pattern, k); ok && m.mem.Remove(k) {
			removed++
		}
	}

	var errs []error
	if m.exact != nil {
		n, err := m.exact.Delete(ctx, pattern)
		if err != nil {
			errs = append(errs, err)
		}
		removed += n
	}

	if m.vectors != nil && m.cfg.SemanticEnabled {
		switch {
		case pattern == "*":
			errs = append(errs, m.vectors.Purge(ctx, ""))
		case !strings.ContainsAny(pattern, "*?["):
			errs = append(errs, m.vectors.Purge(ctx, pattern))
		default:
			zap.S().Infow("semantic tier skipped for glob invalidation", "pattern", pattern)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return removed, entity.NewError(entity.KindCacheUnavailable, "cache.invalidate", "tier invalidation incomplete", err)
	}
	zap.S().Infow("cache invalidated", "pattern", pattern, "removed", removed)
	return removed, nil
}

// Stats reports per-tier counters for health checks.
func (m *Manager) Stats() map[string]TierStats {
	out := make(map[string]TierStats, len(m.stats))
	for tier, s := range m.stats {
		out[tier] = TierStats{Hits: s.hits.Load(), Misses: s.misses.Load()}
	}
	mem := out[entity.TierMemory]
	mem.Enabled, mem.Entries = true, m.mem.Len()
	out[entity.TierMemory] = mem

	ex := out[entity.TierExact]
	ex.Enabled = m.exact != nil
	out[entity.TierExact] = ex

	sem := out[entity.TierSemantic]
	sem.Enabled = m.semanticOn()
	out[entity.TierSemantic] = sem
	return out
}

// Ping checks the shared exact tier.
func (m *Manager) Ping(ctx context.Context) error {
	if m.exact == nil {
		return nil
	}
	return m.exact.Ping(ctx)
}

// Wait blocks until queued semantic writes have finished.
func (m *Manager) Wait() { m.pending.Wait() }

// Close drains background writes and stops the pool.
func (m *Manager) Close() {
	m.Wait()
	m.pool.Release()
}
