package database

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

type CloverDB struct {
	db     *clover.DB
	logger types.Logger
	config *types.DatabaseConfig
	state  atomic.Value
}

func NewCloverDB(logger types.Logger, config *types.DatabaseConfig) (types.DatabaseManager, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	cdb := &CloverDB{
		db:     db,
		logger: logger,
		config: config,
	}

	cdb.state.Store(StateStopped)
	return cdb, nil
}

func (c *CloverDB) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("CloverDB started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverDB) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	err := c.db.Close()
	if err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("CloverDB stopped gracefully")
	return nil
}

func (c *CloverDB) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverDB) CreateCollection(collectionName string) error {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if exists {
		return types.ErrDatabaseCollectionExists
	}

	err = c.db.CreateCollection(collectionName)
	if err != nil {
		return types.WrapError(err, "failed to create collection")
	}

	return nil
}

func (c *CloverDB) DropCollection(collectionName string) error {
	err := c.db.DropCollection(collectionName)
	if err != nil {
		return types.WrapError(err, "failed to drop collection")
	}

	return nil
}

func (c *CloverDB) CreateDocuments(ctx context.Context, request types.CreateDocumentsRequest) ([]string, error) {
	if len(request.Data) == 0 {
		return []string{}, nil
	}

	exists, err := c.db.HasCollection(request.Collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		err = c.db.CreateCollection(request.Collection)
		if err != nil {
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	var docs []*clover.Document
	var ids []string
	now := time.Now().UnixNano()

	for i, data := range request.Data {
		dataMap, ok := data.(map[string]interface{})
		if !ok {
			return nil, types.NewError("data must be a map")
		}

		internalID := uuid.New().String()
		dataMap["internal_id"] = internalID
		dataMap["cr_time"] = now + int64(i)
		dataMap["ch_time"] = now + int64(i)

		doc := clover.NewDocument()
		for key, value := range dataMap {
			doc.Set(key, value)
		}

		docs = append(docs, doc)
		ids = append(ids, internalID)
	}

	err = c.db.Insert(request.Collection, docs...)
	if err != nil {
		return nil, types.WrapError(err, "failed to insert documents")
	}

	return ids, nil
}

func (c *CloverDB) ReadDocuments(ctx context.Context, request types.ReadDocumentsRequest) ([]map[string]interface{}, int64, error) {
	exists, err := c.db.HasCollection(request.Collection)
	if err != nil {
		return nil, 0, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		return []map[string]interface{}{}, 0, nil
	}

	query := c.db.Query(request.Collection)

	if len(request.Filter) > 0 {
		query = c.applyFilters(query, request.Filter)
	}

	if len(request.Sort) > 0 {
		for field, order := range request.Sort {
			query = query.Sort(clover.SortOption{Field: field, Direction: order})
		}
	}

	if request.Skip > 0 {
		query = query.Skip(request.Skip)
	}

	if request.Limit > 0 {
		query = query.Limit(request.Limit)
	}

	cloverDocs, err := query.FindAll()
	if err != nil {
		return nil, 0, types.WrapError(err, "failed to find documents")
	}

	// count without pagination
	totalQuery := c.db.Query(request.Collection)
	if len(request.Filter) > 0 {
		totalQuery = c.applyFilters(totalQuery, request.Filter)
	}

	totalCount, err := totalQuery.Count()
	if err != nil {
		return nil, 0, types.WrapError(err, "failed to count documents")
	}

	var results []map[string]interface{}
	for _, doc := range cloverDocs {
		docMap := make(map[string]interface{})

		err = doc.Unmarshal(&docMap)
		if err != nil {
			continue
		}

		delete(docMap, "_id")

		results = append(results, docMap)
	}

	return results, int64(totalCount), nil
}

func (c *CloverDB) UpdateDocuments(ctx context.Context, request types.UpdateDocumentsRequest) (int64, error) {
	exists, err := c.db.HasCollection(request.Collection)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}

	if !exists && !request.Upsert {
		return 0, nil
	}

	if !exists && request.Upsert {
		err = c.db.CreateCollection(request.Collection)
		if err != nil {
			return 0, types.WrapError(err, "failed to create collection")
		}
	}

	query := c.db.Query(request.Collection)

	if len(request.Filter) > 0 {
		query = c.applyFilters(query, request.Filter)
	}

	count, err := query.Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count matching documents")
	}

	if count == 0 && !request.Upsert {
		return 0, nil
	}

	if count == 0 && request.Upsert {
		newDoc := make(map[string]interface{})

		if err := applyUpdateOperations(newDoc, request.Data); err != nil {
			return 0, err
		}

		newDoc["internal_id"] = uuid.New().String()
		newDoc["cr_time"] = time.Now().UnixNano()
		newDoc["ch_time"] = time.Now().UnixNano()

		doc := clover.NewDocument()
		for key, value := range newDoc {
			doc.Set(key, value)
		}

		err = c.db.Insert(request.Collection, doc)
		if err != nil {
			return 0, types.WrapError(err, "failed to insert upserted document")
		}

		return 1, nil
	}

	// operations like $inc depend on the stored value, so update each
	// matching document against its current fields
	docs, err := query.FindAll()
	if err != nil {
		return 0, types.WrapError(err, "failed to find documents to update")
	}

	now := time.Now().UnixNano()
	updated := int64(0)

	for _, doc := range docs {
		docMap := make(map[string]interface{})
		if err := doc.Unmarshal(&docMap); err != nil {
			continue
		}
		delete(docMap, "_id")

		if err := applyUpdateOperations(docMap, request.Data); err != nil {
			return updated, err
		}
		docMap["ch_time"] = now

		if err := query.UpdateById(doc.ObjectId(), docMap); err != nil {
			return updated, types.WrapError(err, "failed to update document")
		}
		updated++
	}

	return updated, nil
}

func (c *CloverDB) DeleteDocuments(ctx context.Context, request types.DeleteDocumentsRequest) (int64, error) {
	exists, err := c.db.HasCollection(request.Collection)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		return 0, nil
	}

	query := c.db.Query(request.Collection)

	if len(request.Filter) > 0 {
		query = c.applyFilters(query, request.Filter)
	}

	count, err := query.Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count matching documents")
	}

	if count == 0 {
		return 0, nil
	}

	err = query.Delete()
	if err != nil {
		return 0, types.WrapError(err, "failed to delete documents")
	}

	return int64(count), nil
}

func (c *CloverDB) applyFilters(query *clover.Query, filter map[string]interface{}) *clover.Query {
	for key, value := range filter {
		query = c.applyFieldFilter(query, key, value)
	}
	return query
}

func (c *CloverDB) applyFieldFilter(query *clover.Query, key string, value interface{}) *clover.Query {
	switch val := value.(type) {
	case map[string]interface{}:
		for op, opValue := range val {
			switch op {
			case "$eq":
				query = query.Where(clover.Field(key).Eq(opValue))
			case "$ne":
				query = query.Where(clover.Field(key).Neq(opValue))
			case "$gt":
				query = query.Where(clover.Field(key).Gt(opValue))
			case "$gte":
				query = query.Where(clover.Field(key).GtEq(opValue))
			case "$lt":
				query = query.Where(clover.Field(key).Lt(opValue))
			case "$lte":
				query = query.Where(clover.Field(key).LtEq(opValue))
			case "$in":
				if arr, ok := opValue.([]interface{}); ok {
					query = query.Where(clover.Field(key).In(arr...))
				}
			case "$nin":
				if arr, ok := opValue.([]interface{}); ok {
					query = query.Where(clover.Field(key).In(arr...).Not())
				}
			case "$exists":
				if exists, ok := opValue.(bool); ok {
					if exists {
						query = query.Where(clover.Field(key).Exists())
					} else {
						query = query.Where(clover.Field(key).NotExists())
					}
				}
			}
		}
	default:
		query = query.Where(clover.Field(key).Eq(value))
	}

	return query
}

func applyUpdateOperations(doc map[string]interface{}, update interface{}) error {
	updateMap, ok := update.(map[string]interface{})
	if !ok {
		return types.NewError("update data must be a map")
	}

	for op, value := range updateMap {
		switch op {
		case "$set":
			if setMap, ok := value.(map[string]interface{}); ok {
				for key, val := range setMap {
					doc[key] = val
				}
			}
		case "$unset":
			if unsetMap, ok := value.(map[string]interface{}); ok {
				for key := range unsetMap {
					delete(doc, key)
				}
			}
		case "$inc":
			if incMap, ok := value.(map[string]interface{}); ok {
				for key, val := range incMap {
					if incVal, ok := toFloat64(val); ok {
						if current, exists := doc[key]; exists {
							if currentVal, ok := toFloat64(current); ok {
								doc[key] = currentVal + incVal
							}
						} else {
							doc[key] = incVal
						}
					}
				}
			}
		default:
			doc[op] = value
		}
	}

	return nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (c *CloverDB) getState() State {
	return c.state.Load().(State)
}

func (c *CloverDB) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverDB) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
