package entity

// Params are the attributes that change what a translation means.
type Params struct {
	Mode           string   `json:"mode"`
	SubStyle       string   `json:"sub_style,omitempty"`
	TargetLanguage string   `json:"target_language"`
	Injections     []string `json:"injections,omitempty"` // glossary / brand text
}

type TranslateRequest struct {
	UserID   string `json:"user_id"`
	UserTier string `json:"user_tier"`
	Text     string `json:"text"`
	Params

	// Optional: force a specific engine and opt in to premium routing
	PreferredEngine string `json:"preferred_engine,omitempty"`
	AllowPremium    bool   `json:"allow_premium"`
}

type TranslateResponse struct {
	Result      string  `json:"result,omitempty"`
	Engine      string  `json:"engine,omitempty"`
	Risk        float64 `json:"risk"`
	Reason      string  `json:"reason,omitempty"`
	CacheTier   string  `json:"cache_tier,omitempty"` // memory | exact | semantic, empty on miss
	Similarity  float32 `json:"similarity,omitempty"`
	Chunks      int     `json:"chunks,omitempty"`
	Reviewed    bool    `json:"reviewed,omitempty"`
	TokensUsed  int     `json:"tokens_used,omitempty"`
	JobID       string  `json:"job_id,omitempty"` // set when the input was handed to the job queue
	LatencyMsec int64   `json:"latency_ms"`
}

type BatchRequest struct {
	UserID   string   `json:"user_id"`
	UserTier string   `json:"user_tier"`
	Items    []string `json:"items"`
	Params

	PreferredEngine string `json:"preferred_engine,omitempty"`
	AllowPremium    bool   `json:"allow_premium"`
}

type BatchResponse struct {
	Items       []string `json:"items"`
	Engine      string   `json:"engine,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	CacheTier   string   `json:"cache_tier,omitempty"`
	Chunks      int      `json:"chunks,omitempty"`
	JobID       string   `json:"job_id,omitempty"`
	LatencyMsec int64    `json:"latency_ms"`
}

// ChunkRequest is one unit of miss-path work handed over by the job workers.
// Degrade asks for a placeholder instead of an error when the engine breaker
// rejects the call.
type ChunkRequest struct {
	UserTier        string
	Text            string
	Items           []string
	Params          Params
	PreferredEngine string
	AllowPremium    bool
	Degrade         bool
}

// ChunkResult is the outcome of running the miss-path for one chunk.
type ChunkResult struct {
	Text      string
	Items     []string
	Engine    string
	Reason    string
	Risk      float64
	CacheTier string
	Degraded  bool
	Tokens    int
}
