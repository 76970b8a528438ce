// Package config reads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server  Server
	Log     Log
	Redis   Redis
	Qdrant  Qdrant
	GenAI   GenAI
	OpenAI  OpenAI
	Engines Engines
	Routing Routing
	Cache   Cache
	Breaker Breaker
	Jobs    Jobs
	NATS    NATS
}

type Server struct {
	Port            string
	Version         string
	Env             string
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string // json | console
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Qdrant struct {
	Enabled    bool
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dim        int
}

type GenAI struct {
	Project    string
	Location   string
	APIKey     string // selects the Gemini API backend instead of Vertex AI
	EmbedModel string
}

type OpenAI struct {
	APIKey   string
	BaseURL  string
	Profiles []string // engine profiles served by the OpenAI-compatible backend
}

// Engines names the engine profile of each routing slot.
type Engines struct {
	Fast        string
	Fastest     string
	Capable     string
	Premium     string
	Batch       string
	Reviewer    string
	Temperature float64
	WarmUp      bool
}

type Routing struct {
	EscalateThreshold    float64
	CollaborateThreshold float64
	Collaboration        bool
	PremiumTiers         []string
}

type Cache struct {
	MemorySize      int
	MemoryTTL       time.Duration
	ExactTTL        time.Duration
	SemanticTTL     time.Duration
	SemanticEnabled bool
	AsyncWorkers    int
	Timeout         time.Duration
}

type Breaker struct {
	Timeout         time.Duration
	ErrorThreshold  float64
	Window          time.Duration
	Buckets         int
	Volume          int
	ResetTimeout    time.Duration
	RetryAttempts   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryJitter     float64
	ReviewerTimeout time.Duration
	EventBufferSize int
}

type Jobs struct {
	Workers          int
	SingleText       int
	File             int
	Batch            int
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMax         time.Duration
	ClaimTTL         time.Duration
	SweepInterval    time.Duration
	PollWait         time.Duration
	Retention        time.Duration
	ChunkRunes       int
	BatchMaxTokens   int
	BatchMaxItems    int
	InlineThreshold  int
	InlineBatchItems int
	Placeholder      string
	DrainTimeout     time.Duration
}

type NATS struct {
	URL    string
	Prefix string
}

// Load reads ENV_FILE (default .env.dev) into the environment, then parses
// every setting. All invalid values are reported together.
func Load() (*Config, error) {
	file := os.Getenv("ENV_FILE")
	if file == "" {
		file = ".env.dev"
	}
	if err := godotenv.Load(file); err != nil {
		zap.S().Warnw("env file not found, using system environment variables", "file", file)
	}
	return Parse(os.LookupEnv)
}

// Parse builds a Config from lookup.
func Parse(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}
	c := &Config{
		Server: Server{
			Port:            e.str("PORT", "8080"),
			Version:         e.str("APP_VERSION", "dev"),
			Env:             e.str("ENV", "development"),
			ShutdownTimeout: e.dur("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: Log{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		Redis: Redis{
			Addr:     e.str("REDIS_ADDR", "localhost:6379"),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.integer("REDIS_DB", 0),
		},
		Qdrant: Qdrant{
			Enabled:    e.boolean("QDRANT_ENABLED", true),
			Host:       e.str("QDRANT_HOST", "localhost"),
			Port:       e.integer("QDRANT_PORT", 6334),
			APIKey:     e.str("QDRANT_API_KEY", ""),
			Collection: e.str("QDRANT_COLLECTION", "translations"),
			Dim:        e.integer("EMBED_DIM", 768),
		},
		GenAI: GenAI{
			Project:    e.str("GOOGLE_CLOUD_PROJECT", ""),
			Location:   e.str("GOOGLE_CLOUD_LOCATION", "us-central1"),
			APIKey:     e.str("GEMINI_API_KEY", ""),
			EmbedModel: e.str("EMBED_MODEL", "text-embedding-004"),
		},
		OpenAI: OpenAI{
			APIKey:   e.str("OPENAI_API_KEY", ""),
			BaseURL:  e.str("OPENAI_BASE_URL", ""),
			Profiles: e.list("OPENAI_PROFILES", []string{"gpt-4.1-mini"}),
		},
		Engines: Engines{
			Fast:        e.str("ENGINE_FAST", "gemini-2.5-flash"),
			Fastest:     e.str("ENGINE_FASTEST", "gemini-2.5-flash-lite"),
			Capable:     e.str("ENGINE_CAPABLE", "gpt-4.1-mini"),
			Premium:     e.str("ENGINE_PREMIUM", "gemini-2.5-pro"),
			Batch:       e.str("ENGINE_BATCH", "gemini-2.5-flash-lite"),
			Reviewer:    e.str("ENGINE_REVIEWER", "gemini-2.5-pro"),
			Temperature: e.number("ENGINE_TEMPERATURE", 0.2),
			WarmUp:      e.boolean("ENGINE_WARMUP", true),
		},
		Routing: Routing{
			EscalateThreshold:    e.number("ROUTER_ESCALATE_THRESHOLD", 0.55),
			CollaborateThreshold: e.number("ROUTER_COLLABORATE_THRESHOLD", 0.65),
			Collaboration:        e.boolean("ROUTER_COLLABORATION", false),
			PremiumTiers:         e.list("PREMIUM_TIERS", []string{"pro", "enterprise"}),
		},
		Cache: Cache{
			MemorySize:      e.integer("CACHE_MEMORY_SIZE", 10000),
			MemoryTTL:       e.dur("CACHE_MEMORY_TTL", 10*time.Minute),
			ExactTTL:        e.dur("CACHE_EXACT_TTL", 7*24*time.Hour),
			SemanticTTL:     e.dur("CACHE_SEMANTIC_TTL", 30*24*time.Hour),
			SemanticEnabled: e.boolean("CACHE_SEMANTIC_ENABLED", true),
			AsyncWorkers:    e.integer("CACHE_ASYNC_WORKERS", 8),
			Timeout:         e.dur("CACHE_TIMEOUT", 3*time.Second),
		},
		Breaker: Breaker{
			Timeout:         e.dur("ENGINE_TIMEOUT", 30*time.Second),
			ErrorThreshold:  e.number("BREAKER_ERROR_THRESHOLD", 50),
			Window:          e.dur("BREAKER_WINDOW", 10*time.Second),
			Buckets:         e.integer("BREAKER_BUCKETS", 10),
			Volume:          e.integer("BREAKER_VOLUME", 10),
			ResetTimeout:    e.dur("BREAKER_RESET_TIMEOUT", 30*time.Second),
			RetryAttempts:   e.integer("RETRY_ATTEMPTS", 3),
			RetryInitial:    e.dur("RETRY_INITIAL_DELAY", 500*time.Millisecond),
			RetryMax:        e.dur("RETRY_MAX_DELAY", 5*time.Second),
			RetryJitter:     e.number("RETRY_JITTER", 0.2),
			ReviewerTimeout: e.dur("REVIEWER_TIMEOUT", 45*time.Second),
			EventBufferSize: e.integer("BREAKER_EVENT_BUFFER", 256),
		},
		Jobs: Jobs{
			Workers:          e.integer("JOB_WORKERS", 8),
			SingleText:       e.integer("JOB_CONCURRENCY_SINGLE_TEXT", 4),
			File:             e.integer("JOB_CONCURRENCY_FILE", 2),
			Batch:            e.integer("JOB_CONCURRENCY_BATCH", 2),
			MaxAttempts:      e.integer("JOB_MAX_ATTEMPTS", 3),
			RetryBase:        e.dur("JOB_RETRY_BASE", 2*time.Second),
			RetryMax:         e.dur("JOB_RETRY_MAX", 30*time.Second),
			ClaimTTL:         e.dur("JOB_CLAIM_TTL", 2*time.Minute),
			SweepInterval:    e.dur("JOB_SWEEP_INTERVAL", time.Minute),
			PollWait:         e.dur("JOB_POLL_WAIT", 2*time.Second),
			Retention:        e.dur("JOB_RETENTION", 7*24*time.Hour),
			ChunkRunes:       e.integer("CHUNK_RUNES", 4000),
			BatchMaxTokens:   e.integer("BATCH_MAX_TOKENS", 6000),
			BatchMaxItems:    e.integer("BATCH_MAX_ITEMS", 50),
			InlineThreshold:  e.integer("INLINE_THRESHOLD", 30000),
			InlineBatchItems: e.integer("INLINE_BATCH_ITEMS", 500),
			Placeholder:      e.str("DEGRADED_PLACEHOLDER", "[[unavailable]]"),
			DrainTimeout:     e.dur("JOB_DRAIN_TIMEOUT", 20*time.Second),
		},
		NATS: NATS{
			URL:    e.str("NATS_URL", ""),
			Prefix: e.str("NATS_SUBJECT_PREFIX", "jobs"),
		},
	}
	e.positive("CHUNK_RUNES", c.Jobs.ChunkRunes)
	e.positive("JOB_WORKERS", c.Jobs.Workers)
	e.positive("CACHE_MEMORY_SIZE", c.Cache.MemorySize)
	if c.Breaker.ErrorThreshold <= 0 || c.Breaker.ErrorThreshold > 100 {
		e.fail("BREAKER_ERROR_THRESHOLD", "must be in (0,100]")
	}
	if f := c.Log.Format; f != "json" && f != "console" {
		e.fail("LOG_FORMAT", "must be json or console")
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) fail(key, msg string) {
	e.errs = append(e.errs, fmt.Errorf("%s: %s", key, msg))
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "not an integer: "+v)
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "not a number: "+v)
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "not a boolean: "+v)
		return def
	}
	return b
}

func (e *env) dur(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, "not a duration: "+v)
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *env) positive(key string, n int) {
	if n <= 0 {
		e.fail(key, "must be positive")
	}
}
