package jobstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

const DefaultCollection = "plan_jobs"

// Store persists job records in the document database. Status transitions
// are guarded by the state machine: terminal states absorb, attempts never
// decrease, and a transition racing a concurrent update is rejected rather
// than blindly applied.
type Store struct {
	db         types.DatabaseManager
	logger     types.Logger
	collection string
	started    int32
}

func NewStore(config *types.JobsConfig, logger types.Logger, db types.DatabaseManager) *Store {
	collection := DefaultCollection
	if config != nil && config.Collection != "" {
		collection = config.Collection
	}

	return &Store{
		db:         db,
		logger:     logger,
		collection: collection,
	}
}

func (s *Store) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	s.logger.Info("Job store started", zap.String("collection", s.collection))
	return nil
}

func (s *Store) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (s *Store) IsRunning() bool {
	return atomic.LoadInt32(&s.started) == 1
}

func (s *Store) Create(ctx context.Context, job *types.Job) (string, error) {
	if job == nil {
		return "", types.ErrInvalidParameter
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if !job.Status.Valid() {
		return "", types.Errorf(types.ErrJobStatusInvalid, "status: %s", job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	doc, err := encodeJob(job)
	if err != nil {
		return "", types.WrapError(err, "failed to encode job")
	}

	_, err = s.db.CreateDocuments(ctx, types.CreateDocumentsRequest{
		Collection: s.collection,
		Data:       []interface{}{doc},
	})
	if err != nil {
		return "", types.WrapError(err, "failed to store job")
	}

	s.logger.Debug("Job created",
		zap.String("job_id", job.ID), zap.String("fingerprint", job.Fingerprint))
	return job.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	if id == "" {
		return nil, types.ErrJobNotFound
	}

	docs, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.collection,
		Filter:     map[string]interface{}{"id": id},
		Limit:      1,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to read job")
	}

	if len(docs) == 0 {
		return nil, types.ErrJobNotFound
	}

	return decodeJob(docs[0])
}

func (s *Store) UpdateStatus(ctx context.Context, id string, update types.JobUpdate) error {
	if !update.Status.Valid() {
		return types.Errorf(types.ErrJobStatusInvalid, "status: %s", update.Status)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if current.Status.Terminal() {
		return types.Errorf(types.ErrJobTerminal, "job %s is %s", id, current.Status)
	}

	if !current.Status.CanTransitionTo(update.Status) {
		return types.Errorf(types.ErrJobStatusInvalid,
			"transition %s -> %s", current.Status, update.Status)
	}

	if update.Attempts != nil && *update.Attempts < current.Attempts {
		return types.Errorf(types.ErrJobStatusInvalid,
			"attempts may not decrease: %d -> %d", current.Attempts, *update.Attempts)
	}

	fields := map[string]interface{}{"status": string(update.Status)}
	if update.Attempts != nil {
		fields["attempts"] = *update.Attempts
	}
	if update.StartedAt != nil {
		fields["started_at"] = update.StartedAt.Format(time.RFC3339Nano)
	}
	if update.CompletedAt != nil {
		fields["completed_at"] = update.CompletedAt.Format(time.RFC3339Nano)
	}
	if update.ResultRef != nil {
		fields["result_ref"] = *update.ResultRef
	}
	if update.ErrorCode != nil {
		fields["error_code"] = *update.ErrorCode
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}

	// filtering on the observed status makes the transition a compare-and-set:
	// a racing writer changes the status first and this update matches nothing
	matched, err := s.db.UpdateDocuments(ctx, types.UpdateDocumentsRequest{
		Collection: s.collection,
		Filter: map[string]interface{}{
			"id":     id,
			"status": string(current.Status),
		},
		Data: map[string]interface{}{"$set": fields},
	})
	if err != nil {
		return types.WrapError(err, "failed to update job")
	}

	if matched == 0 {
		return types.Errorf(types.ErrJobStatusInvalid,
			"job %s changed concurrently during %s -> %s", id, current.Status, update.Status)
	}

	s.logger.Debug("Job status updated",
		zap.String("job_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(update.Status)))
	return nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*types.Job, error) {
	return s.list(ctx, map[string]interface{}{
		"status": string(types.JobStatusPending),
	}, map[string]int{"created_at": 1}, limit)
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*types.Job, error) {
	if userID == "" {
		return nil, types.ErrIdentityRequired
	}

	return s.list(ctx, map[string]interface{}{
		"user_id": userID,
	}, map[string]int{"created_at": -1}, limit)
}

func (s *Store) list(ctx context.Context, filter map[string]interface{}, sort map[string]int, limit int) ([]*types.Job, error) {
	docs, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.collection,
		Filter:     filter,
		Sort:       sort,
		Limit:      limit,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to list jobs")
	}

	jobs := make([]*types.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			s.logger.Error("Failed to decode stored job, skipping", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func encodeJob(job *types.Job) (map[string]interface{}, error) {
	data, err := utils.Marshal(job)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]interface{})
	if err := utils.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

func decodeJob(doc map[string]interface{}) (*types.Job, error) {
	delete(doc, "internal_id")
	delete(doc, "cr_time")
	delete(doc, "ch_time")

	data, err := utils.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var job types.Job
	if err := utils.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}
