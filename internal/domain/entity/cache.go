package entity

import (
	"strings"
	"time"
)

// Cache tiers, fastest first.
const (
	TierMemory   = "memory"
	TierExact    = "exact"
	TierSemantic = "semantic"
)

// Key spaces of exact-tier entries. Anything else in the shared Redis belongs
// to other components.
const (
	CacheKeyPrefix      = "tr:v1:"
	BatchCacheKeyPrefix = "trb:v1:"
)

// IsCacheKey reports whether key lies in a cache key space.
func IsCacheKey(key string) bool {
	return strings.HasPrefix(key, CacheKeyPrefix) || strings.HasPrefix(key, BatchCacheKeyPrefix)
}

// CacheEntry is immutable once written except for Hits.
type CacheEntry struct {
	Key        string    `json:"key"`
	Input      string    `json:"input"`
	Result     string    `json:"result"`
	Items      []string  `json:"items,omitempty"` // batch entries
	Params     Params    `json:"params"`
	Engine     string    `json:"engine,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Hits       int64     `json:"hits"`
	Similarity float32   `json:"similarity,omitempty"` // set only for semantic hits
	Tier       string    `json:"-"`
}

// Clone returns a copy safe to hand to callers.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Items != nil {
		c.Items = append([]string(nil), e.Items...)
	}
	if e.Params.Injections != nil {
		c.Params.Injections = append([]string(nil), e.Params.Injections...)
	}
	return &c
}

// VectorMatch is one semantic-tier hit.
type VectorMatch struct {
	Entry *CacheEntry
	Score float32
}

// Payload fields the semantic tier filters on.
const (
	FieldCacheKey   = "cache_key"
	FieldMode       = "mode"
	FieldTargetLang = "target_lang"
	FieldSubStyle   = "sub_style"
	FieldEngine     = "engine"
	FieldCreatedAt  = "created_at"
)
