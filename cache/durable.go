package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

const planCollection = "plan_entries"

// DurableTier stores plan entries in the document database. It is the
// source of truth: entries never expire here, and every read bumps
// hit_count for cost analytics.
type DurableTier struct {
	db      types.DatabaseManager
	logger  types.Logger
	started int32
}

func NewDurableTier(logger types.Logger, db types.DatabaseManager) types.TierStore {
	return &DurableTier{
		db:     db,
		logger: logger,
	}
}

func (d *DurableTier) Start() error {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	d.logger.Info("Durable cache tier started", zap.String("collection", planCollection))
	return nil
}

func (d *DurableTier) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.started, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (d *DurableTier) IsRunning() bool {
	return atomic.LoadInt32(&d.started) == 1
}

func (d *DurableTier) Get(ctx context.Context, fingerprint string) (*types.PlanEntry, bool) {
	if fingerprint == "" {
		return nil, false
	}

	docs, _, err := d.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: planCollection,
		Filter:     map[string]interface{}{"fingerprint": fingerprint},
		Limit:      1,
	})
	if err != nil {
		d.logger.Warn("Durable tier read failed, treating as miss",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}

	if len(docs) == 0 {
		return nil, false
	}

	entry, err := decodeEntry(docs[0])
	if err != nil {
		d.logger.Error("Failed to decode stored plan entry",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}

	d.bumpHitCount(ctx, fingerprint)
	entry.HitCount++

	return entry, true
}

// Set ignores ttl: the durable tier keeps entries until an external
// retention process removes them.
func (d *DurableTier) Set(ctx context.Context, entry *types.PlanEntry, _ time.Duration) error {
	if entry == nil || entry.Fingerprint == "" {
		return types.ErrCacheKeyEmpty
	}

	doc, err := encodeEntry(entry)
	if err != nil {
		return types.WrapError(err, "failed to encode plan entry")
	}

	_, err = d.db.UpdateDocuments(ctx, types.UpdateDocumentsRequest{
		Collection: planCollection,
		Filter:     map[string]interface{}{"fingerprint": entry.Fingerprint},
		Data:       map[string]interface{}{"$set": doc},
		Upsert:     true,
	})
	if err != nil {
		return types.Errorf(types.ErrCacheTierUnavailable, "durable tier write: %v", err)
	}

	return nil
}

func (d *DurableTier) Delete(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}

	_, err := d.db.DeleteDocuments(ctx, types.DeleteDocumentsRequest{
		Collection: planCollection,
		Filter:     map[string]interface{}{"fingerprint": fingerprint},
	})
	if err != nil {
		return types.Errorf(types.ErrCacheTierUnavailable, "durable tier delete: %v", err)
	}

	return nil
}

func (d *DurableTier) bumpHitCount(ctx context.Context, fingerprint string) {
	_, err := d.db.UpdateDocuments(ctx, types.UpdateDocumentsRequest{
		Collection: planCollection,
		Filter:     map[string]interface{}{"fingerprint": fingerprint},
		Data:       map[string]interface{}{"$inc": map[string]interface{}{"hit_count": 1}},
	})
	if err != nil {
		d.logger.Debug("Failed to bump hit count",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

func encodeEntry(entry *types.PlanEntry) (map[string]interface{}, error) {
	data, err := utils.Marshal(entry)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]interface{})
	if err := utils.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

func decodeEntry(doc map[string]interface{}) (*types.PlanEntry, error) {
	delete(doc, "internal_id")
	delete(doc, "cr_time")
	delete(doc, "ch_time")

	data, err := utils.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var entry types.PlanEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}
