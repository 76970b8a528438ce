package usecase

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
	"feelinglocal-core/internal/usecase/cache"
	"feelinglocal-core/internal/usecase/chunker"
	"feelinglocal-core/internal/usecase/jobs"
	"feelinglocal-core/internal/usecase/resilience"
	"feelinglocal-core/internal/usecase/router"
)

const breakerReview = "reviewer:review"

type Config struct {
	InlineThreshold  int // runes; longer text is handed to the job queue
	InlineBatchItems int
	ChunkRunes       int
	Budget           chunker.Budget
	PremiumTiers     []string // empty allows premium for every tier that asks
	Placeholder      string
	Breaker          resilience.Config // reviewer breaker
}

func DefaultConfig() Config {
	return Config{
		InlineThreshold:  30000,
		InlineBatchItems: 500,
		ChunkRunes:       4000,
		Budget:           chunker.DefaultBudget(),
		PremiumTiers:     []string{"pro", "enterprise"},
		Placeholder:      "[[unavailable]]",
		Breaker:          resilience.DefaultConfig(),
	}
}

// JobQueue is the part of the worker queue the translator needs.
type JobQueue interface {
	repository.JobSubmitter
	Stats(ctx context.Context) jobs.Stats
}

// Translator orchestrates a translation: cache tiers, routing, guarded engine
// calls, the optional review pass and the job hand-off for oversized input.
type Translator struct {
	cfg      Config
	router   *router.Router
	cache    *cache.Manager
	engines  map[string]*ResilientEngine
	reviewer repository.Reviewer
	reg      *resilience.Registry
	queue    JobQueue
}

func NewTranslator(cfg Config, r *router.Router, c *cache.Manager, engines []*ResilientEngine, reviewer repository.Reviewer, reg *resilience.Registry) *Translator {
	d := DefaultConfig()
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = d.ChunkRunes
	}
	if cfg.Budget.MaxTokens <= 0 {
		cfg.Budget = d.Budget
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = d.Placeholder
	}
	t := &Translator{
		cfg:      cfg,
		router:   r,
		cache:    c,
		engines:  make(map[string]*ResilientEngine, len(engines)),
		reviewer: reviewer,
		reg:      reg,
	}
	for _, e := range engines {
		t.engines[e.Name()] = e
	}
	return t
}

// AttachQueue enables the job hand-off. The queue is built after the
// translator since its workers call back into it.
func (t *Translator) AttachQueue(q JobQueue) { t.queue = q }

func (t *Translator) allowPremium(tier string, requested bool) bool {
	if !requested {
		return false
	}
	if len(t.cfg.PremiumTiers) == 0 {
		return true
	}
	return slices.ContainsFunc(t.cfg.PremiumTiers, func(s string) bool { return strings.EqualFold(s, tier) })
}

func (t *Translator) engine(name string) (*ResilientEngine, error) {
	e, ok := t.engines[name]
	if !ok {
		return nil, entity.Validationf("usecase.engine", "no engine registered for %q", name)
	}
	return e, nil
}

func validateParams(op, text string, p entity.Params) error {
	if strings.TrimSpace(text) == "" {
		return entity.Validationf(op, "text is required")
	}
	if !utf8.ValidString(text) {
		return entity.Validationf(op, "text is not valid UTF-8")
	}
	if strings.TrimSpace(p.TargetLanguage) == "" {
		return entity.Validationf(op, "target language is required")
	}
	return nil
}

func identity(text string, p entity.Params, preferred, routed string) cache.Identity {
	return cache.Identity{
		Text:           text,
		Mode:           p.Mode,
		SubStyle:       p.SubStyle,
		TargetLanguage: p.TargetLanguage,
		Injections:     p.Injections,
		Engine:         preferred,
		RoutedEngine:   routed,
	}
}

func routerInput(text string, p entity.Params, preferred string, premium, batch bool) router.Input {
	return router.Input{
		Text:            text,
		Mode:            p.Mode,
		SubStyle:        p.SubStyle,
		TargetLanguage:  p.TargetLanguage,
		Injections:      p.Injections,
		PreferredEngine: preferred,
		AllowPremium:    premium,
		IsBatch:         batch,
	}
}

// Translate serves one text. Oversized input is queued and the response
// carries the job id instead of a result.
func (t *Translator) Translate(ctx context.Context, req entity.TranslateRequest) (*entity.TranslateResponse, error) {
	const op = "usecase.translate"
	start := time.Now()
	if err := validateParams(op, req.Text, req.Params); err != nil {
		return nil, err
	}
	premium := t.allowPremium(req.UserTier, req.AllowPremium)
	decision, err := t.router.Decide(routerInput(req.Text, req.Params, req.PreferredEngine, premium, false))
	if err != nil {
		return nil, err
	}
	resp := &entity.TranslateResponse{Engine: decision.Engine, Risk: decision.Risk, Reason: decision.Reason}

	if t.queue != nil && t.cfg.InlineThreshold > 0 && utf8.RuneCountInString(req.Text) > t.cfg.InlineThreshold {
		id, err := t.queue.Enqueue(ctx, entity.JobSingleText, req.UserID, req.UserTier, entity.JobPayload{
			Text:            req.Text,
			Params:          req.Params,
			PreferredEngine: req.PreferredEngine,
			AllowPremium:    req.AllowPremium,
		}, entity.JobOptions{})
		if err != nil {
			return nil, err
		}
		resp.JobID = id
		resp.LatencyMsec = time.Since(start).Milliseconds()
		return resp, nil
	}

	id := identity(req.Text, req.Params, req.PreferredEngine, decision.Engine)
	if hit, ok := t.cache.Get(ctx, id); ok {
		resp.Result = hit.Result
		resp.CacheTier = hit.Tier
		resp.Similarity = hit.Similarity
		if hit.Engine != "" {
			resp.Engine = hit.Engine
		}
		resp.LatencyMsec = time.Since(start).Milliseconds()
		zap.S().Debugw("cache hit", "component", "cache", "tier", hit.Tier, "user_id", req.UserID)
		return resp, nil
	}

	res, chunks, err := t.translateText(ctx, req.Text, req.Params, decision, false)
	if err != nil {
		return nil, err
	}
	result := strings.TrimSpace(res.Text)
	if decision.Collaborate {
		if reviewed, ok := t.review(ctx, req.Text, result, req.Params); ok {
			result, resp.Reviewed = reviewed, true
		}
	}
	t.cache.Set(ctx, id, result, decision.Engine)

	resp.Result = result
	resp.Chunks = chunks
	resp.TokensUsed = res.Tokens
	resp.LatencyMsec = time.Since(start).Milliseconds()
	zap.S().Infow("translated",
		"component", "router",
		"engine", decision.Engine,
		"reason", decision.Reason,
		"risk", decision.Risk,
		"chunks", chunks,
		"latency_ms", resp.LatencyMsec,
	)
	return resp, nil
}

// translateText runs the miss-path over text, chunking sequentially when it
// exceeds the chunk budget.
func (t *Translator) translateText(ctx context.Context, text string, p entity.Params, d entity.RouterDecision, degrade bool) (*entity.ChunkResult, int, error) {
	eng, err := t.engine(d.Engine)
	if err != nil {
		return nil, 0, err
	}
	plan, err := chunker.PlanText(text, t.cfg.ChunkRunes)
	if err != nil {
		return nil, 0, err
	}

	sys := systemInstruction(p, false)
	res := &entity.ChunkResult{Engine: d.Engine, Reason: d.Reason, Risk: d.Risk}
	parts := make([]string, 0, plan.Len())
	var degraded error
	for _, c := range plan.All() {
		if strings.TrimSpace(c.Text) == "" {
			parts = append(parts, c.Text)
			continue
		}
		req := entity.EngineRequest{Prompt: c.Text, SystemInstruction: sys}
		var out *entity.EngineResponse
		if degrade {
			out, err = eng.InvokeOr(ctx, req, t.cfg.Placeholder)
		} else {
			out, err = eng.Invoke(ctx, req)
		}
		switch {
		case err == nil:
			parts = append(parts, keepEdges(c.Text, normalizeOutput(out.Text)))
			res.Tokens += out.UsageTokens
		case entity.IsDegraded(err):
			parts = append(parts, keepEdges(c.Text, out.Text))
			res.Degraded = true
			degraded = err
		default:
			return nil, 0, err
		}
	}
	res.Text = chunker.Join(parts)
	return res, plan.Len(), degraded
}

// review asks the reviewer for a second pass; the draft stands on any failure.
func (t *Translator) review(ctx context.Context, source, draft string, p entity.Params) (string, bool) {
	if t.reviewer == nil {
		return "", false
	}
	out, err := resilience.Execute(ctx, t.reg, breakerReview, t.cfg.Breaker, resilience.NoFallback[string](),
		func(ctx context.Context) (string, error) {
			return t.reviewer.Review(ctx, source, draft, p)
		})
	if err != nil {
		zap.S().Warnw("review pass skipped", "component", "engine", "error", err)
		return "", false
	}
	out = normalizeOutput(out)
	if out == "" {
		return "", false
	}
	return out, true
}

// TranslateChunk is the job workers' miss-path for one text chunk. With
// req.Degrade set, a rejected engine call yields a placeholder together with
// a *entity.DegradedError.
func (t *Translator) TranslateChunk(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error) {
	const op = "usecase.translate_chunk"
	if strings.TrimSpace(req.Text) == "" {
		return &entity.ChunkResult{Text: req.Text}, nil
	}
	if err := validateParams(op, req.Text, req.Params); err != nil {
		return nil, err
	}
	premium := t.allowPremium(req.UserTier, req.AllowPremium)
	d, err := t.router.Decide(routerInput(req.Text, req.Params, req.PreferredEngine, premium, false))
	if err != nil {
		return nil, err
	}

	id := identity(req.Text, req.Params, req.PreferredEngine, d.Engine)
	if hit, ok := t.cache.Get(ctx, id); ok {
		return &entity.ChunkResult{
			Text:      keepEdges(req.Text, hit.Result),
			Engine:    hit.Engine,
			Reason:    d.Reason,
			Risk:      d.Risk,
			CacheTier: hit.Tier,
		}, nil
	}

	res, _, err := t.translateText(ctx, req.Text, req.Params, d, req.Degrade)
	if err != nil {
		return res, err
	}
	body := strings.TrimSpace(res.Text)
	if d.Collaborate {
		if reviewed, ok := t.review(ctx, req.Text, body, req.Params); ok {
			body = reviewed
			res.Text = keepEdges(req.Text, reviewed)
		}
	}
	t.cache.Set(ctx, id, body, d.Engine)
	return res, nil
}

// TranslateItems is the job workers' miss-path for one batch group.
func (t *Translator) TranslateItems(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error) {
	const op = "usecase.translate_items"
	if len(req.Items) == 0 {
		return nil, entity.Validationf(op, "items are required")
	}
	if strings.TrimSpace(req.Params.TargetLanguage) == "" {
		return nil, entity.Validationf(op, "target language is required")
	}
	premium := t.allowPremium(req.UserTier, req.AllowPremium)
	d, err := t.router.Decide(routerInput(strings.Join(req.Items, "\n"), req.Params, req.PreferredEngine, premium, true))
	if err != nil {
		return nil, err
	}
	return t.translateItems(ctx, req.Items, req.Params, d, req.Degrade)
}

func (t *Translator) translateItems(ctx context.Context, items []string, p entity.Params, d entity.RouterDecision, degrade bool) (*entity.ChunkResult, error) {
	eng, err := t.engine(d.Engine)
	if err != nil {
		return nil, err
	}
	prompt, err := batchPrompt(items)
	if err != nil {
		return nil, err
	}
	req := entity.EngineRequest{Prompt: prompt, SystemInstruction: systemInstruction(p, true)}

	var out *entity.EngineResponse
	if degrade {
		out, err = eng.InvokeOr(ctx, req, t.cfg.Placeholder)
	} else {
		out, err = eng.Invoke(ctx, req)
	}
	res := &entity.ChunkResult{Engine: d.Engine, Reason: d.Reason, Risk: d.Risk}
	switch {
	case err == nil:
	case entity.IsDegraded(err):
		res.Items = make([]string, len(items))
		for i := range res.Items {
			res.Items[i] = out.Text
		}
		res.Degraded = true
		return res, err
	default:
		return nil, err
	}

	translated, err := parseBatch(out.Text, len(items))
	if err != nil {
		return nil, err
	}
	res.Items = translated
	res.Tokens = out.UsageTokens
	return res, nil
}

// TranslateBatch serves a list of short items, chunked under the token budget.
func (t *Translator) TranslateBatch(ctx context.Context, req entity.BatchRequest) (*entity.BatchResponse, error) {
	const op = "usecase.translate_batch"
	start := time.Now()
	if len(req.Items) == 0 {
		return nil, entity.Validationf(op, "items are required")
	}
	if strings.TrimSpace(req.TargetLanguage) == "" {
		return nil, entity.Validationf(op, "target language is required")
	}
	for i, it := range req.Items {
		if !utf8.ValidString(it) {
			return nil, entity.Validationf(op, "item %d is not valid UTF-8", i)
		}
	}
	premium := t.allowPremium(req.UserTier, req.AllowPremium)
	d, err := t.router.Decide(routerInput(strings.Join(req.Items, "\n"), req.Params, req.PreferredEngine, premium, true))
	if err != nil {
		return nil, err
	}
	resp := &entity.BatchResponse{Engine: d.Engine, Reason: d.Reason}

	if t.queue != nil && t.cfg.InlineBatchItems > 0 && len(req.Items) > t.cfg.InlineBatchItems {
		id, err := t.queue.Enqueue(ctx, entity.JobBatch, req.UserID, req.UserTier, entity.JobPayload{
			Items:           req.Items,
			Params:          req.Params,
			PreferredEngine: req.PreferredEngine,
			AllowPremium:    req.AllowPremium,
		}, entity.JobOptions{})
		if err != nil {
			return nil, err
		}
		resp.JobID = id
		resp.LatencyMsec = time.Since(start).Milliseconds()
		return resp, nil
	}

	bid := cache.BatchIdentity{
		Items:          req.Items,
		Mode:           req.Mode,
		SubStyle:       req.SubStyle,
		TargetLanguage: req.TargetLanguage,
		Injections:     req.Injections,
		Engine:         req.PreferredEngine,
	}
	if hit, ok := t.cache.GetBatch(ctx, bid); ok {
		resp.Items = hit.Items
		resp.CacheTier = hit.Tier
		if hit.Engine != "" {
			resp.Engine = hit.Engine
		}
		resp.LatencyMsec = time.Since(start).Milliseconds()
		return resp, nil
	}

	plan, err := chunker.PlanBatch(req.Items, t.cfg.Budget)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(req.Items))
	for _, g := range plan.All() {
		res, err := t.translateItems(ctx, g.Items, req.Params, d, false)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Items...)
	}
	t.cache.SetBatch(ctx, bid, out, d.Engine)

	resp.Items = out
	resp.Chunks = plan.Len()
	resp.LatencyMsec = time.Since(start).Milliseconds()
	return resp, nil
}

// Health is the operational view of the service.
type Health struct {
	Status   string                     `json:"status"` // ok | degraded
	Cache    map[string]cache.TierStats `json:"cache"`
	Exact    string                     `json:"exact_tier_error,omitempty"`
	Breakers []entity.BreakerSnapshot   `json:"breakers"`
	Jobs     *jobs.Stats                `json:"jobs,omitempty"`
}

func (t *Translator) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Cache: t.cache.Stats(), Breakers: t.reg.Snapshots()}
	if err := t.cache.Ping(ctx); err != nil {
		h.Status, h.Exact = "degraded", err.Error()
	}
	for _, b := range h.Breakers {
		if b.State != entity.BreakerClosed {
			h.Status = "degraded"
		}
	}
	if t.queue != nil {
		s := t.queue.Stats(ctx)
		h.Jobs = &s
	}
	return h
}

func (t *Translator) ResetBreaker(name string) error {
	if err := t.reg.Reset(name); err != nil {
		return err
	}
	zap.S().Infow("breaker reset", "component", "breaker", "breaker", name)
	return nil
}

func (t *Translator) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	return t.cache.Invalidate(ctx, pattern)
}

// Engines lists the registered engine names.
func (t *Translator) Engines() []string {
	names := make([]string, 0, len(t.engines))
	for n := range t.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
