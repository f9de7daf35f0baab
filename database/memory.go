package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/plangen/types"
)

// MemoryDB backs tests and single-process deployments where no durable
// store is wanted. Semantics mirror the CloverDB implementation.
type MemoryDB struct {
	collections map[string]map[string]map[string]interface{}
	mutex       sync.RWMutex
	logger      types.Logger
	config      *types.DatabaseConfig
	state       atomic.Value
}

func NewMemoryDB(logger types.Logger, config *types.DatabaseConfig) (types.DatabaseManager, error) {
	mdb := &MemoryDB{
		collections: make(map[string]map[string]map[string]interface{}),
		logger:      logger,
		config:      config,
	}

	mdb.state.Store(StateStopped)
	return mdb, nil
}

func (m *MemoryDB) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.logger.Info("MemoryDB started")
	return nil
}

func (m *MemoryDB) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.mutex.Lock()
	m.collections = make(map[string]map[string]map[string]interface{})
	m.mutex.Unlock()

	m.logger.Info("MemoryDB stopped gracefully")
	return nil
}

func (m *MemoryDB) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryDB) CreateCollection(collectionName string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.collections[collectionName]; exists {
		return types.ErrDatabaseCollectionExists
	}

	m.collections[collectionName] = make(map[string]map[string]interface{})
	return nil
}

func (m *MemoryDB) DropCollection(collectionName string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.collections, collectionName)
	return nil
}

func (m *MemoryDB) CreateDocuments(ctx context.Context, request types.CreateDocumentsRequest) ([]string, error) {
	if len(request.Data) == 0 {
		return []string{}, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.collections[request.Collection]; !exists {
		m.collections[request.Collection] = make(map[string]map[string]interface{})
	}

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

		docCopy := make(map[string]interface{})
		deepCopy(dataMap, docCopy)

		m.collections[request.Collection][internalID] = docCopy
		ids = append(ids, internalID)
	}

	return ids, nil
}

func (m *MemoryDB) ReadDocuments(ctx context.Context, request types.ReadDocumentsRequest) ([]map[string]interface{}, int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	collection, exists := m.collections[request.Collection]
	if !exists {
		return []map[string]interface{}{}, 0, nil
	}

	var allDocs []map[string]interface{}

	for _, doc := range collection {
		if matchesFilter(doc, request.Filter) {
			docCopy := make(map[string]interface{})
			deepCopy(doc, docCopy)
			allDocs = append(allDocs, docCopy)
		}
	}

	total := int64(len(allDocs))

	if len(request.Sort) > 0 {
		sortDocuments(allDocs, request.Sort)
	}

	if request.Skip > 0 {
		if request.Skip >= len(allDocs) {
			return []map[string]interface{}{}, total, nil
		}
		allDocs = allDocs[request.Skip:]
	}

	if request.Limit > 0 && request.Limit < len(allDocs) {
		allDocs = allDocs[:request.Limit]
	}

	return allDocs, total, nil
}

func (m *MemoryDB) UpdateDocuments(ctx context.Context, request types.UpdateDocumentsRequest) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	collection, exists := m.collections[request.Collection]
	if !exists && !request.Upsert {
		return 0, nil
	}

	if !exists && request.Upsert {
		m.collections[request.Collection] = make(map[string]map[string]interface{})
		collection = m.collections[request.Collection]
	}

	var matchingDocs []string
	for id, doc := range collection {
		if matchesFilter(doc, request.Filter) {
			matchingDocs = append(matchingDocs, id)
		}
	}

	if len(matchingDocs) == 0 && !request.Upsert {
		return 0, nil
	}

	if len(matchingDocs) == 0 && request.Upsert {
		newDoc := make(map[string]interface{})

		if err := applyUpdateOperations(newDoc, request.Data); err != nil {
			return 0, err
		}

		internalID := uuid.New().String()
		newDoc["internal_id"] = internalID
		newDoc["cr_time"] = time.Now().UnixNano()
		newDoc["ch_time"] = time.Now().UnixNano()

		collection[internalID] = newDoc
		return 1, nil
	}

	now := time.Now().UnixNano()
	for _, id := range matchingDocs {
		doc := collection[id]

		if err := applyUpdateOperations(doc, request.Data); err != nil {
			continue
		}

		doc["ch_time"] = now
	}

	return int64(len(matchingDocs)), nil
}

func (m *MemoryDB) DeleteDocuments(ctx context.Context, request types.DeleteDocumentsRequest) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	collection, exists := m.collections[request.Collection]
	if !exists {
		return 0, nil
	}

	var toDelete []string
	for id, doc := range collection {
		if matchesFilter(doc, request.Filter) {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		delete(collection, id)
	}

	return int64(len(toDelete)), nil
}

func deepCopy(src, dst map[string]interface{}) {
	for k, v := range src {
		switch val := v.(type) {
		case map[string]interface{}:
			nestedDst := make(map[string]interface{})
			deepCopy(val, nestedDst)
			dst[k] = nestedDst
		default:
			dst[k] = v
		}
	}
}

func matchesFilter(doc map[string]interface{}, filter map[string]interface{}) bool {
	if filter == nil {
		return true
	}

	for key, value := range filter {
		if !matchesField(doc, key, value) {
			return false
		}
	}
	return true
}

func matchesField(doc map[string]interface{}, key string, filterValue interface{}) bool {
	keys := strings.Split(key, ".")
	current := doc

	for i, k := range keys {
		if i == len(keys)-1 {
			docValue, exists := current[k]
			if !exists {
				// $exists:false matches missing fields
				if opMap, ok := filterValue.(map[string]interface{}); ok {
					if want, ok := opMap["$exists"].(bool); ok {
						return !want
					}
				}
				return false
			}
			return compareValues(docValue, filterValue)
		}

		next, exists := current[k]
		if !exists {
			return false
		}
		if nextMap, ok := next.(map[string]interface{}); ok {
			current = nextMap
		} else {
			return false
		}
	}

	return false
}

func compareValues(docValue, filterValue interface{}) bool {
	switch filter := filterValue.(type) {
	case map[string]interface{}:
		for op, value := range filter {
			var matched bool
			switch op {
			case "$eq":
				matched = looseEqual(docValue, value)
			case "$ne":
				matched = !looseEqual(docValue, value)
			case "$gt":
				matched = compareNumbers(docValue, value, ">")
			case "$gte":
				matched = compareNumbers(docValue, value, ">=")
			case "$lt":
				matched = compareNumbers(docValue, value, "<")
			case "$lte":
				matched = compareNumbers(docValue, value, "<=")
			case "$in":
				if arr, ok := value.([]interface{}); ok {
					for _, v := range arr {
						if looseEqual(docValue, v) {
							matched = true
							break
						}
					}
				}
			case "$nin":
				matched = true
				if arr, ok := value.([]interface{}); ok {
					for _, v := range arr {
						if looseEqual(docValue, v) {
							matched = false
							break
						}
					}
				}
			case "$exists":
				if want, ok := value.(bool); ok {
					matched = want
				}
			default:
				matched = false
			}
			if !matched {
				return false
			}
		}
		return true
	default:
		return looseEqual(docValue, filterValue)
	}
}

// looseEqual treats numeric values of different Go types as comparable,
// the way a document store does after a decode round-trip.
func looseEqual(a, b interface{}) bool {
	if a == b {
		return true
	}

	aNum, aOk := toFloat64(a)
	bNum, bOk := toFloat64(b)
	if aOk && bOk {
		return aNum == bNum
	}

	return false
}

func compareNumbers(a, b interface{}, op string) bool {
	aVal, aOk := toFloat64(a)
	bVal, bOk := toFloat64(b)

	if !aOk || !bOk {
		return false
	}

	switch op {
	case ">":
		return aVal > bVal
	case ">=":
		return aVal >= bVal
	case "<":
		return aVal < bVal
	case "<=":
		return aVal <= bVal
	}
	return false
}

func sortDocuments(docs []map[string]interface{}, sortSpec map[string]int) {
	fields := make([]string, 0, len(sortSpec))
	for field := range sortSpec {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range fields {
			direction := sortSpec[field]

			cmp := compareForSort(docs[i][field], docs[j][field])
			if cmp == 0 {
				continue
			}
			if direction < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareForSort(a, b interface{}) int {
	aNum, aOk := toFloat64(a)
	bNum, bOk := toFloat64(b)

	if aOk && bOk {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		default:
			return 0
		}
	}

	aStr, aOk := a.(string)
	bStr, bOk := b.(string)
	if aOk && bOk {
		return strings.Compare(aStr, bStr)
	}

	return 0
}

func (m *MemoryDB) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryDB) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryDB) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
