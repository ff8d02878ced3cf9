package syncctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/autolog/internal/backend"
	"github.com/tonimelisma/autolog/internal/offline"
)

// Remote performs one operation against the backend. For a create it returns
// the server-assigned ID. *backend.Client satisfies it.
type Remote interface {
	Apply(ctx context.Context, op offline.Operation) (serverID string, err error)
}

// Invalidator drops cached data for an entity type. *cache.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, entityType offline.EntityType) error
}

// Bookkeeper is the part of offline.Queue the applier mutates.
type Bookkeeper interface {
	Operations(ctx context.Context) ([]offline.Operation, error)
	Dequeue(ctx context.Context, opID string) error
	Complete(ctx context.Context, sent offline.Operation) (kept bool, err error)
	IncrementRetry(ctx context.Context, opID string) (bool, error)
	UpdateEntityID(ctx context.Context, oldID, newID string, entityType offline.EntityType) (int, error)
}

// Applier is the production ApplyFunc. It walks a batch in queue order,
// remaps temporary IDs as creates succeed, and does the per-operation
// bookkeeping the controller relies on.
type Applier struct {
	queue  Bookkeeper
	remote Remote
	cache  Invalidator
	logger *slog.Logger

	// isPermanent reports backend rejections that retrying cannot fix.
	isPermanent func(error) bool
}

// NewApplier returns an Applier. cache may be nil.
func NewApplier(queue Bookkeeper, remote Remote, cache Invalidator, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Applier{
		queue:       queue,
		remote:      remote,
		cache:       cache,
		logger:      logger,
		isPermanent: backend.IsPermanent,
	}
}

// Apply implements ApplyFunc.
func (a *Applier) Apply(ctx context.Context, ops []offline.Operation) (BatchResult, error) {
	var res BatchResult

	remaining := ops
	touched := make(map[offline.EntityType]bool)

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("syncctl: applying batch: %w", err)
		}

		op := remaining[0]
		remaining = remaining[1:]

		if refs := op.References(); len(refs) > 0 {
			// The create for refs[0] failed earlier or is not queued. Sending
			// this operation would point at a row the server does not have.
			a.logger.Debug("deferring operation with unresolved reference",
				slog.String("op_id", op.ID),
				slog.String("entity_type", string(op.EntityType)),
				slog.String("ref", refs[0]),
			)

			res.FailedCount++

			if err := a.retry(ctx, op); err != nil {
				return res, err
			}

			continue
		}

		serverID, err := a.remote.Apply(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("syncctl: applying batch: %w", err)
			}

			res.FailedCount++

			if err := a.handleFailure(ctx, op, err); err != nil {
				return res, err
			}

			continue
		}

		kept, err := a.queue.Complete(ctx, op)
		if err != nil {
			return res, fmt.Errorf("syncctl: dequeuing %s: %w", op.ID, err)
		}

		res.SuccessCount++
		touched[op.EntityType] = true

		a.logger.Debug("operation synced",
			slog.String("op_id", op.ID),
			slog.String("entity_type", string(op.EntityType)),
			slog.String("operation", string(op.Type)),
			slog.String("entity_id", op.EntityID),
			slog.Bool("newer_change_queued", kept),
		)

		if op.Type == offline.OpCreate && offline.IsTempID(op.EntityID) && serverID != "" {
			remaining, err = a.remap(ctx, op, serverID, remaining)
			if err != nil {
				return res, err
			}
		}
	}

	a.invalidate(ctx, touched)

	return res, nil
}

// remap points queued operations at the new server ID and re-reads the rest
// of the batch so it sees the rewritten IDs.
func (a *Applier) remap(ctx context.Context, op offline.Operation, serverID string, remaining []offline.Operation) ([]offline.Operation, error) {
	n, err := a.queue.UpdateEntityID(ctx, op.EntityID, serverID, op.EntityType)
	if err != nil {
		return nil, fmt.Errorf("syncctl: remapping %s: %w", op.EntityID, err)
	}

	a.logger.Debug("temporary ID replaced",
		slog.String("entity_type", string(op.EntityType)),
		slog.String("temp_id", op.EntityID),
		slog.String("server_id", serverID),
		slog.Int("operations_updated", n),
	)

	if n == 0 || len(remaining) == 0 {
		return remaining, nil
	}

	fresh, err := a.queue.Operations(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncctl: re-reading queue: %w", err)
	}

	byID := make(map[string]offline.Operation, len(fresh))
	for _, f := range fresh {
		byID[f.ID] = f
	}

	out := make([]offline.Operation, 0, len(remaining))

	for _, r := range remaining {
		if f, ok := byID[r.ID]; ok {
			out = append(out, f)
		}
	}

	return out, nil
}

// handleFailure evicts permanently rejected operations and counts a retry
// for everything else.
func (a *Applier) handleFailure(ctx context.Context, op offline.Operation, applyErr error) error {
	if a.isPermanent(applyErr) {
		a.logger.Warn("operation rejected by backend, dropping",
			slog.String("op_id", op.ID),
			slog.String("entity_type", string(op.EntityType)),
			slog.String("operation", string(op.Type)),
			slog.String("entity_id", op.EntityID),
			slog.String("error", applyErr.Error()),
		)

		if err := a.queue.Dequeue(ctx, op.ID); err != nil {
			return fmt.Errorf("syncctl: evicting %s: %w", op.ID, err)
		}

		return nil
	}

	a.logger.Warn("operation failed",
		slog.String("op_id", op.ID),
		slog.String("entity_type", string(op.EntityType)),
		slog.String("error", applyErr.Error()),
	)

	return a.retry(ctx, op)
}

func (a *Applier) retry(ctx context.Context, op offline.Operation) error {
	keep, err := a.queue.IncrementRetry(ctx, op.ID)
	if err != nil {
		return fmt.Errorf("syncctl: recording retry for %s: %w", op.ID, err)
	}

	if !keep {
		a.logger.Warn("operation evicted after reaching retry limit",
			slog.String("op_id", op.ID),
			slog.String("entity_type", string(op.EntityType)),
			slog.String("operation", string(op.Type)),
			slog.String("entity_id", op.EntityID),
		)
	}

	return nil
}

func (a *Applier) invalidate(ctx context.Context, touched map[offline.EntityType]bool) {
	if a.cache == nil {
		return
	}

	var errs []error

	for et := range touched {
		if err := a.cache.Invalidate(ctx, et); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("invalidating entity cache", slog.String("error", err.Error()))
	}
}
