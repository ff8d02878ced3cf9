// Package syncctl drains the offline queue against the backend. A Controller
// owns the online/offline state, guarantees that at most one sync pass runs at
// a time, and starts a pass on its own when connectivity returns while
// operations are pending.
package syncctl

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/autolog/internal/offline"
)

// BatchResult is the aggregate outcome an ApplyFunc reports for one pass.
type BatchResult struct {
	SuccessCount int `json:"successCount"`
	FailedCount  int `json:"failedCount"`
}

// ApplyFunc attempts every operation of a batch against the backend. It owns
// the per-operation bookkeeping: dequeue on success, retry increment or
// eviction on failure. The controller trusts the counts it returns.
type ApplyFunc func(ctx context.Context, ops []offline.Operation) (BatchResult, error)

// ErrorKind classifies the last sync failure.
type ErrorKind string

// Error kinds reported in State.SyncError.
const (
	KindFailedOperations   ErrorKind = "failed_operations"
	KindApplyFailed        ErrorKind = "apply_failed"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindTimeout            ErrorKind = "timeout"
)

// SyncError summarises why the last pass (or enqueue) did not fully succeed.
type SyncError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("syncctl: %s: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// State is a point-in-time snapshot of the controller. It is rebuilt from the
// queue and the probe on every start and never persisted.
type State struct {
	IsOnline     bool       `json:"isOnline"`
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	SyncError    *SyncError `json:"syncError,omitempty"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
}

// SkipReason says why TriggerSync returned without running a pass.
type SkipReason string

// Reasons a pass was not started.
const (
	SkipNone    SkipReason = ""
	SkipOffline SkipReason = "offline"
	SkipBusy    SkipReason = "already syncing"
)

// Result describes one TriggerSync call.
type Result struct {
	BatchResult

	// Ran is false when the call returned at the guard without touching the
	// queue; Skipped then says why.
	Ran      bool          `json:"ran"`
	Skipped  SkipReason    `json:"skipped,omitempty"`
	Pending  int           `json:"pending"`
	Duration time.Duration `json:"duration"`
}
