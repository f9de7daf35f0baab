package types

import (
	"encoding/json"
	"time"
)

type Domain string

const (
	DomainDiet    Domain = "diet"
	DomainWorkout Domain = "workout"
)

func (d Domain) Valid() bool {
	return d == DomainDiet || d == DomainWorkout
}

// GenerationParams carries everything the generator needs to produce a plan.
// RequestID and RequestedAt are volatile and never participate in
// fingerprinting.
type GenerationParams struct {
	CalorieTarget   int      `json:"calorie_target,omitempty" validate:"omitempty,min=800,max=6000"`
	MealsPerDay     int      `json:"meals_per_day,omitempty" validate:"omitempty,min=1,max=8"`
	DaysCount       int      `json:"days_count,omitempty" validate:"omitempty,min=1,max=30"`
	DietType        string   `json:"diet_type,omitempty"`
	Allergens       []string `json:"allergens,omitempty"`
	Exclusions      []string `json:"exclusions,omitempty"`
	FitnessLevel    string   `json:"fitness_level,omitempty"`
	SessionsPerWeek int      `json:"sessions_per_week,omitempty" validate:"omitempty,min=1,max=14"`
	Equipment       []string `json:"equipment,omitempty"`
	FocusAreas      []string `json:"focus_areas,omitempty"`

	RequestID   string    `json:"request_id,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

type UsageMetadata struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostEstimate     float64 `json:"cost_estimate"`
}

type EntryMetadata struct {
	ModelUsed        string  `json:"model_used"`
	GenerationTimeMs int64   `json:"generation_time_ms"`
	TokensUsed       int     `json:"tokens_used"`
	CostEstimate     float64 `json:"cost_estimate"`
}

type CacheTier string

const (
	TierNone CacheTier = ""
	Tier1    CacheTier = "tier1"
	Tier2    CacheTier = "tier2"
)

// PlanEntry is the cached result of one generation. Entries are immutable;
// a re-generation overwrites the whole record by fingerprint.
type PlanEntry struct {
	Fingerprint string          `json:"fingerprint"`
	UserID      string          `json:"user_id,omitempty"`
	Domain      Domain          `json:"domain"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	SourceTier  CacheTier       `json:"source_tier,omitempty"`
	HitCount    int64           `json:"hit_count"`
	Metadata    EntryMetadata   `json:"metadata"`
}

// ResultMeta is attached to every served result so callers can tell how it
// was produced.
type ResultMeta struct {
	CacheHit     bool      `json:"cache_hit"`
	Tier         CacheTier `json:"tier,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	WaitTimeMs   int64     `json:"wait_time_ms"`
	Fingerprint  string    `json:"fingerprint"`
}

type CachedResult struct {
	Payload  json.RawMessage `json:"payload"`
	Metadata EntryMetadata   `json:"metadata"`
	Meta     ResultMeta      `json:"meta"`
}
