package types

import (
	"context"
)

type RequestMode string

const (
	ModeSync  RequestMode = "sync"
	ModeAsync RequestMode = "async"
)

type GenerateRequest struct {
	Domain Domain           `json:"domain" validate:"required"`
	Params GenerationParams `json:"params"`
	Mode   RequestMode      `json:"mode,omitempty"`
	UserID string           `json:"-"`
}

// GenerateResponse is either an inline result (sync path) or a job handle
// (async path), never both.
type GenerateResponse struct {
	Result *CachedResult `json:"result,omitempty"`
	JobID  string        `json:"job_id,omitempty"`
	Status JobStatus     `json:"status,omitempty"`
}

type PlanDispatcher interface {
	GenerateOrFetch(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	GetJobStatus(ctx context.Context, jobID, userID string) (*Job, error)
	ListJobs(ctx context.Context, userID string) ([]*Job, error)
}
