package types

import (
	"context"
	"encoding/json"
)

// Generator is the opaque, slow, possibly failing LLM call.
type Generator interface {
	Generate(ctx context.Context, domain Domain, params GenerationParams) (json.RawMessage, *UsageMetadata, error)
}

type ValidationIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// PlanValidator applies domain rules to a generated plan. A validation
// failure is terminal: retrying with identical parameters would reproduce it.
type PlanValidator interface {
	Validate(payload json.RawMessage, domain Domain, params GenerationParams) ValidationResult
}

// Identity resolves the requesting user for personalization and for
// authorization of job-status queries.
type Identity interface {
	Resolve(ctx context.Context, credential string) (userID string, err error)
}
