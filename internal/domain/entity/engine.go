package entity

import "time"

// EngineRequest is what every text-generation backend accepts.
type EngineRequest struct {
	Prompt            string
	SystemInstruction string
	ModelID           string
	Timeout           time.Duration
}

type EngineResponse struct {
	Text        string
	UsageTokens int
	Model       string
	Latency     time.Duration
}

// RouterDecision is computed per request and never persisted.
type RouterDecision struct {
	Engine      string  `json:"engine"`
	Risk        float64 `json:"risk"`
	Reason      string  `json:"reason"`
	Collaborate bool    `json:"collaborate"`
}
