package types

import (
	"context"
)

// DatabaseManager is the document-store surface backing Tier 2 of the plan
// cache and the job store. Filters use Mongo-style operators ($eq, $gt,
// $in, ...); sort direction is 1 (asc) or -1 (desc).
type DatabaseManager interface {
	LifecycleManager
	CreateCollection(collectionName string) error
	DropCollection(collectionName string) error
	CreateDocuments(ctx context.Context, request CreateDocumentsRequest) ([]string, error)
	ReadDocuments(ctx context.Context, request ReadDocumentsRequest) ([]map[string]interface{}, int64, error)
	UpdateDocuments(ctx context.Context, request UpdateDocumentsRequest) (int64, error)
	DeleteDocuments(ctx context.Context, request DeleteDocumentsRequest) (int64, error)
}

type DatabaseManagerCreator func(config interface{}) (DatabaseManager, error)

type CreateDocumentsRequest struct {
	Collection string        `json:"collection"`
	Data       []interface{} `json:"data"`
}

type ReadDocumentsRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Sort       map[string]int         `json:"sort,omitempty"`
	Skip       int                    `json:"skip,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

type UpdateDocumentsRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Data       interface{}            `json:"data"`
	Upsert     bool                   `json:"upsert,omitempty"`
}

type DeleteDocumentsRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
}
