package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/autolog/internal/kvstore"
)

// StorageKey is the key the serialized queue is stored under.
const StorageKey = "offline_sync_queue"

// quarantineKey receives a queue blob that could not be parsed, so that it
// can be inspected by hand instead of being silently overwritten.
const quarantineKey = StorageKey + ".corrupt"

// DefaultMaxRetries is the retry ceiling used when none is configured.
const DefaultMaxRetries = 3

// Sentinel errors. Storage failures wrap both ErrStorage and the underlying
// kvstore error.
var (
	ErrStorage          = errors.New("offline: local storage unavailable")
	ErrInvalidOperation = errors.New("offline: invalid operation")
)

// Queue is the durable, mergeable, retry-aware store of pending operations.
// The whole queue is persisted as one JSON array; every mutation reads the
// blob, changes it in memory and writes it back under q.mu. Queue depth is
// expected to stay in the hundreds at most.
type Queue struct {
	store      kvstore.Store
	maxRetries int
	logger     *slog.Logger

	mu      sync.Mutex
	nowFunc func() time.Time
	newID   func() string
}

// NewQueue returns a Queue persisting into store. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewQueue(store kvstore.Store, maxRetries int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Queue{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger,
		nowFunc:    time.Now,
		newID:      uuid.NewString,
	}
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Operations returns the queue in insertion/merge order.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.load(ctx)
}

// PendingCount returns the number of queued operations.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	ops, err := q.Operations(ctx)
	if err != nil {
		return 0, err
	}

	return len(ops), nil
}

// ByEntityType returns the queued operations for one entity type.
func (q *Queue) ByEntityType(ctx context.Context, entityType EntityType) ([]Operation, error) {
	ops, err := q.Operations(ctx)
	if err != nil {
		return nil, err
	}

	var out []Operation

	for _, op := range ops {
		if op.EntityType == entityType {
			out = append(out, op)
		}
	}

	return out, nil
}

// Enqueue records a mutation, merging it into any operation already queued
// for the same entity. It returns the operation actually stored; stored is
// false when the mutation cancelled a never-synced create and nothing remains
// queued for the entity.
func (q *Queue) Enqueue(
	ctx context.Context, entityType EntityType, opType OpType, entityID string, data map[string]any,
) (op Operation, stored bool, err error) {
	if !entityType.Valid() {
		return Operation{}, false, fmt.Errorf("%w: entity type %q", ErrInvalidOperation, entityType)
	}

	if !opType.Valid() {
		return Operation{}, false, fmt.Errorf("%w: operation type %q", ErrInvalidOperation, opType)
	}

	if entityID == "" {
		return Operation{}, false, fmt.Errorf("%w: empty entity id", ErrInvalidOperation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return Operation{}, false, err
	}

	now := q.nowFunc()
	incoming := Operation{
		ID:         q.newID(),
		EntityType: entityType,
		Type:       opType,
		EntityID:   entityID,
		Timestamp:  now,
	}

	if opType != OpDelete && len(data) > 0 {
		incoming.Data = maps.Clone(data)
	}

	idx := indexOfEntity(ops, entityType, entityID)
	if idx < 0 {
		ops = append(ops, incoming)
		if err := q.save(ctx, ops); err != nil {
			return Operation{}, false, err
		}

		q.logger.Debug("queued operation",
			slog.String("op_id", incoming.ID),
			slog.String("entity_type", string(entityType)),
			slog.String("operation", string(opType)),
			slog.String("entity_id", entityID),
		)

		return incoming.clone(), true, nil
	}

	existing := ops[idx]

	result, action, mergeErr := mergeOps(existing, incoming, now)
	switch action {
	case mergeReject:
		q.logger.Warn("ignoring mutation of entity pending deletion",
			slog.String("entity_type", string(entityType)),
			slog.String("entity_id", entityID),
			slog.String("operation", string(opType)),
		)

		return existing.clone(), true, mergeErr

	case mergeCancel:
		ops = append(ops[:idx], ops[idx+1:]...)
		if err := q.save(ctx, ops); err != nil {
			return Operation{}, false, err
		}

		q.logger.Debug("cancelled unsynced create",
			slog.String("op_id", existing.ID),
			slog.String("entity_type", string(entityType)),
			slog.String("entity_id", entityID),
		)

		return Operation{}, false, nil
	}

	result.Revision = existing.Revision + 1

	ops[idx] = result
	if err := q.save(ctx, ops); err != nil {
		return Operation{}, false, err
	}

	q.logger.Debug("merged operation",
		slog.String("op_id", result.ID),
		slog.String("entity_type", string(entityType)),
		slog.String("existing", string(existing.Type)),
		slog.String("incoming", string(opType)),
		slog.String("result", string(result.Type)),
	)

	return result.clone(), true, nil
}

// Dequeue removes one operation. Removing an absent ID is a no-op.
func (q *Queue) Dequeue(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return err
	}

	idx := indexOfOp(ops, opID)
	if idx < 0 {
		return nil
	}

	return q.save(ctx, append(ops[:idx], ops[idx+1:]...))
}

// Complete settles an operation the backend has accepted. sent is the copy
// that was sent. If the queued operation was merged with a later mutation in
// the meantime it stays queued with the merged data, and a create becomes an
// update since the row now exists. kept reports whether it stayed queued.
func (q *Queue) Complete(ctx context.Context, sent Operation) (kept bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return false, err
	}

	idx := indexOfOp(ops, sent.ID)
	if idx < 0 {
		return false, nil
	}

	if ops[idx].Revision == sent.Revision {
		return false, q.save(ctx, append(ops[:idx], ops[idx+1:]...))
	}

	if sent.Type == OpCreate && ops[idx].Type == OpCreate {
		ops[idx].Type = OpUpdate
	}

	ops[idx].RetryCount = 0

	if err := q.save(ctx, ops); err != nil {
		return false, err
	}

	q.logger.Debug("operation changed while in flight, kept queued",
		slog.String("op_id", sent.ID),
		slog.String("entity_type", string(sent.EntityType)),
		slog.String("operation", string(ops[idx].Type)),
		slog.Int("revision", ops[idx].Revision),
	)

	return true, nil
}

// IncrementRetry records one failed sync attempt for opID. It returns true
// when the operation may be retried, and false when it was just evicted for
// reaching the retry ceiling or is not queued at all.
func (q *Queue) IncrementRetry(ctx context.Context, opID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return false, err
	}

	idx := indexOfOp(ops, opID)
	if idx < 0 {
		return false, nil
	}

	ops[idx].RetryCount++

	if ops[idx].RetryCount >= q.maxRetries {
		evicted := ops[idx]

		if err := q.save(ctx, append(ops[:idx], ops[idx+1:]...)); err != nil {
			return false, err
		}

		q.logger.Warn("operation dropped after repeated sync failures",
			slog.String("op_id", evicted.ID),
			slog.String("entity_type", string(evicted.EntityType)),
			slog.String("operation", string(evicted.Type)),
			slog.String("entity_id", evicted.EntityID),
			slog.Int("retries", evicted.RetryCount),
		)

		return false, nil
	}

	if err := q.save(ctx, ops); err != nil {
		return false, err
	}

	return true, nil
}

// Clear removes every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("%w: clearing queue: %w", ErrStorage, err)
	}

	q.logger.Info("offline queue cleared")

	return nil
}

// UpdateEntityID rewrites a temporary entity ID to the permanent one the
// server assigned. Operations of entityType whose EntityID is oldID are
// retargeted, and every reference field equal to oldID is rewritten in
// operations of all entity types. It returns the number of operations changed.
func (q *Queue) UpdateEntityID(ctx context.Context, oldID, newID string, entityType EntityType) (int, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0

	for i := range ops {
		touched := false

		if ops[i].sameEntity(entityType, oldID) {
			ops[i].EntityID = newID
			touched = true
		}

		for _, f := range ReferenceFields {
			if v, ok := ops[i].Data[f].(string); ok && v == oldID {
				ops[i].Data[f] = newID
				touched = true
			}
		}

		if touched {
			changed++
		}
	}

	if changed == 0 {
		return 0, nil
	}

	if err := q.save(ctx, ops); err != nil {
		return 0, err
	}

	q.logger.Info("remapped temporary entity id",
		slog.String("entity_type", string(entityType)),
		slog.String("old_id", oldID),
		slog.String("new_id", newID),
		slog.Int("operations", changed),
	)

	return changed, nil
}

// load reads and decodes the queue blob. Caller holds q.mu.
func (q *Queue) load(ctx context.Context) ([]Operation, error) {
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading queue: %w", ErrStorage, err)
	}

	if !ok || raw == "" {
		return nil, nil
	}

	var ops []Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		q.quarantine(ctx, raw, err)
		return nil, nil
	}

	return ops, nil
}

// quarantine moves an unparsable blob aside so the queue can keep working.
func (q *Queue) quarantine(ctx context.Context, raw string, parseErr error) {
	q.logger.Warn("corrupt offline queue, moving aside",
		slog.String("key", quarantineKey),
		slog.Int("bytes", len(raw)),
		slog.String("error", parseErr.Error()),
	)

	if err := q.store.Set(ctx, quarantineKey, raw); err != nil {
		q.logger.Warn("failed to save corrupt queue copy", slog.String("error", err.Error()))
		return
	}

	if err := q.store.Remove(ctx, StorageKey); err != nil {
		q.logger.Warn("failed to remove corrupt queue", slog.String("error", err.Error()))
	}
}

// save encodes and writes the queue blob. Caller holds q.mu.
func (q *Queue) save(ctx context.Context, ops []Operation) error {
	if len(ops) == 0 {
		if err := q.store.Remove(ctx, StorageKey); err != nil {
			return fmt.Errorf("%w: writing queue: %w", ErrStorage, err)
		}

		return nil
	}

	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("%w: encoding queue: %w", ErrInvalidOperation, err)
	}

	if err := q.store.Set(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("%w: writing queue: %w", ErrStorage, err)
	}

	return nil
}

func indexOfEntity(ops []Operation, entityType EntityType, entityID string) int {
	for i := range ops {
		if ops[i].sameEntity(entityType, entityID) {
			return i
		}
	}

	return -1
}

func indexOfOp(ops []Operation, opID string) int {
	for i := range ops {
		if ops[i].ID == opID {
			return i
		}
	}

	return -1
}
