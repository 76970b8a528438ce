package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"feelinglocal-core/internal/adapter/api"
	"feelinglocal-core/internal/adapter/client"
	"feelinglocal-core/internal/adapter/events"
	"feelinglocal-core/internal/adapter/metrics"
	"feelinglocal-core/internal/adapter/store"
	"feelinglocal-core/internal/config"
	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
	"feelinglocal-core/internal/usecase"
	"feelinglocal-core/internal/usecase/cache"
	"feelinglocal-core/internal/usecase/chunker"
	"feelinglocal-core/internal/usecase/jobs"
	"feelinglocal-core/internal/usecase/resilience"
	"feelinglocal-core/internal/usecase/router"
)

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func breakerConfig(c config.Breaker, category string, timeout time.Duration) resilience.Config {
	return resilience.Config{
		Category:                 category,
		Timeout:                  timeout,
		ErrorThresholdPercentage: c.ErrorThreshold,
		RollingWindow:            c.Window,
		RollingBuckets:           c.Buckets,
		VolumeThreshold:          c.Volume,
		ResetTimeout:             c.ResetTimeout,
		Retry: resilience.RetryPolicy{
			MaxAttempts:  c.RetryAttempts,
			InitialDelay: c.RetryInitial,
			MaxDelay:     c.RetryMax,
			Multiplier:   2,
			Jitter:       c.RetryJitter,
		},
	}
}

// profiles lists the distinct engine profiles the router can pick.
func profiles(e config.Engines) []string {
	var out []string
	for _, p := range []string{e.Fast, e.Fastest, e.Capable, e.Premium, e.Batch} {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	zap.ReplaceGlobals(zap.Must(zap.NewProduction()))

	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("failed to load configuration", "error", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		zap.S().Fatalw("failed to build logger", "error", err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prom := metrics.NewPrometheus()

	// Redis backs the exact tier and the job store
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zap.S().Warnw("redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	genaiConfig := &genai.ClientConfig{
		Project:  cfg.GenAI.Project,
		Location: cfg.GenAI.Location,
		Backend:  genai.BackendVertexAI,
	}
	if cfg.GenAI.APIKey != "" {
		genaiConfig = &genai.ClientConfig{APIKey: cfg.GenAI.APIKey, Backend: genai.BackendGeminiAPI}
	}
	genaiClient, err := genai.NewClient(ctx, genaiConfig)
	if err != nil {
		zap.S().Fatalw("failed to init genai client", "error", err)
	}

	var openaiClient *openai.Client
	if cfg.OpenAI.APIKey != "" {
		openaiClient = client.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	}
	temperature := float32(cfg.Engines.Temperature)
	newEngine := func(name string) repository.Engine {
		if openaiClient != nil && slices.Contains(cfg.OpenAI.Profiles, name) {
			return client.NewOpenAIEngine(openaiClient, name, "", temperature)
		}
		return client.NewGeminiEngine(genaiClient, name, "", temperature)
	}

	reg := resilience.NewRegistry(
		resilience.WithMetrics(prom),
		resilience.WithEventBuffer(cfg.Breaker.EventBufferSize),
	)
	engineBreaker := breakerConfig(cfg.Breaker, "engine", cfg.Breaker.Timeout)

	names := profiles(cfg.Engines)
	engines := make([]*usecase.ResilientEngine, 0, len(names))
	for _, name := range names {
		engines = append(engines, usecase.NewResilientEngine(newEngine(name), reg, engineBreaker, prom))
	}

	// Qdrant is optional; without it the semantic tier stays off
	var (
		vectors  repository.VectorStore
		embedder repository.Embedder
		qClient  *qdrant.Client
	)
	if cfg.Qdrant.Enabled && cfg.Cache.SemanticEnabled {
		qClient, err = qdrant.NewClient(&qdrant.Config{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
		})
		if err != nil {
			zap.S().Warnw("qdrant unavailable, semantic tier disabled", "error", err)
		} else {
			qs := store.NewQdrantStore(qClient, cfg.Qdrant.Collection)
			if err := qs.InitCollection(ctx, uint64(cfg.Qdrant.Dim)); err != nil {
				zap.S().Warnw("qdrant collection init failed, semantic tier disabled", "error", err)
			} else {
				vectors = qs
				embedder = client.NewEmbedderFromClient(genaiClient, cfg.GenAI.EmbedModel)
			}
		}
	}

	cacheBreaker := breakerConfig(cfg.Breaker, "cache", cfg.Cache.Timeout)
	cacheBreaker.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	cm, err := cache.New(cache.Config{
		MemorySize:      cfg.Cache.MemorySize,
		MemoryTTL:       cfg.Cache.MemoryTTL,
		ExactTTL:        cfg.Cache.ExactTTL,
		SemanticTTL:     cfg.Cache.SemanticTTL,
		SemanticEnabled: cfg.Cache.SemanticEnabled,
		AsyncWorkers:    cfg.Cache.AsyncWorkers,
		Breaker:         cacheBreaker,
	}, cache.Deps{
		Exact:    store.NewRedisCache(rdb),
		Embedder: embedder,
		Vectors:  vectors,
		Registry: reg,
		Metrics:  prom,
	})
	if err != nil {
		zap.S().Fatalw("failed to init cache", "error", err)
	}

	rt := router.New(router.Policy{
		Fast:                 cfg.Engines.Fast,
		Fastest:              cfg.Engines.Fastest,
		Capable:              cfg.Engines.Capable,
		Premium:              cfg.Engines.Premium,
		Batch:                cfg.Engines.Batch,
		EscalateThreshold:    cfg.Routing.EscalateThreshold,
		CollaborateThreshold: cfg.Routing.CollaborateThreshold,
		CollaborationEnabled: cfg.Routing.Collaboration,
		Known:                names,
	})

	budget := chunker.DefaultBudget()
	budget.MaxTokens = cfg.Jobs.BatchMaxTokens
	budget.MaxItemsPerChunk = cfg.Jobs.BatchMaxItems

	var reviewer repository.Reviewer
	if cfg.Routing.Collaboration && cfg.Engines.Reviewer != "" {
		reviewer = client.NewReviewer(newEngine(cfg.Engines.Reviewer))
	}
	reviewBreaker := breakerConfig(cfg.Breaker, "reviewer", cfg.Breaker.ReviewerTimeout)
	reviewBreaker.Retry = resilience.RetryPolicy{MaxAttempts: 1}

	translator := usecase.NewTranslator(usecase.Config{
		InlineThreshold:  cfg.Jobs.InlineThreshold,
		InlineBatchItems: cfg.Jobs.InlineBatchItems,
		ChunkRunes:       cfg.Jobs.ChunkRunes,
		Budget:           budget,
		PremiumTiers:     cfg.Routing.PremiumTiers,
		Placeholder:      cfg.Jobs.Placeholder,
		Breaker:          reviewBreaker,
	}, rt, cm, engines, reviewer, reg)

	publishers := events.Fanout{events.LogPublisher{}}
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = events.Connect(cfg.NATS.URL, "feelinglocal-core")
		if err != nil {
			zap.S().Warnw("progress events limited to logs", "error", err)
		} else {
			publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATS.Prefix))
		}
	}

	queue, err := jobs.New(jobs.Config{
		Workers: cfg.Jobs.Workers,
		PerKind: map[entity.JobKind]int{
			entity.JobSingleText: cfg.Jobs.SingleText,
			entity.JobFile:       cfg.Jobs.File,
			entity.JobBatch:      cfg.Jobs.Batch,
		},
		MaxAttempts: cfg.Jobs.MaxAttempts,
		RetryBase:   cfg.Jobs.RetryBase,
		RetryMax:    cfg.Jobs.RetryMax,
		ClaimTTL:    cfg.Jobs.ClaimTTL,
		PollWait:    cfg.Jobs.PollWait,
		ChunkRunes:  cfg.Jobs.ChunkRunes,
		Budget:      budget,
		Placeholder: cfg.Jobs.Placeholder,

		SweepInterval: cfg.Jobs.SweepInterval,
	}, store.NewRedisJobStore(rdb, cfg.Jobs.Retention), translator,
		jobs.WithPublisher(publishers),
		jobs.WithMetrics(prom),
	)
	if err != nil {
		zap.S().Fatalw("failed to init job queue", "error", err)
	}
	translator.AttachQueue(queue)

	queue.Start(ctx)
	go metrics.Consume(ctx, reg.Events(), prom)

	if cfg.Engines.WarmUp {
		go func() {
			warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if embedder != nil {
				if _, err := embedder.CreateEmbedding(warmCtx, "warmup"); err != nil {
					zap.S().Warnw("embedder warm-up failed", "error", err)
				}
			}
			for _, e := range engines {
				if _, err := e.Invoke(warmCtx, entity.EngineRequest{Prompt: "."}); err != nil {
					zap.S().Warnw("engine warm-up failed", "engine", e.Name(), "error", err)
				}
			}
			zap.S().Infow("pre-warm complete", "engines", len(engines))
		}()
	}

	// Initialize API Layer (Delivery Layer)
	app := fiber.New(fiber.Config{
		AppName:      "FeelingLocal Core",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	})
	api.SetupRouter(app, api.NewHandler(translator, queue), api.Info{
		Version: cfg.Server.Version,
		Env:     cfg.Server.Env,
	}, prom.Registry)

	go func() {
		zap.S().Infow("server listening", "port", cfg.Server.Port, "version", cfg.Server.Version)
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			zap.S().Errorw("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	zap.S().Infow("shutting down")

	if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		zap.S().Warnw("http shutdown", "error", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.DrainTimeout)
	defer cancel()
	if err := queue.Stop(drainCtx); err != nil {
		zap.S().Warnw("job drain incomplete, interrupted jobs requeued", "error", err)
	}
	cm.Close()
	if nc != nil {
		_ = nc.Drain()
	}
	if qClient != nil {
		_ = qClient.Close()
	}
	_ = rdb.Close()
	zap.S().Infow("shutdown complete")
}
