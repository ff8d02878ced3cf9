package syncctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autolog/internal/backend"
	"github.com/tonimelisma/autolog/internal/cache"
	"github.com/tonimelisma/autolog/internal/kvstore"
	"github.com/tonimelisma/autolog/internal/offline"
)

// fakeRemote records applied operations. fail maps an entity ID to the error
// returned for it; creates get server IDs "srv-1", "srv-2", ... during, when
// set, runs before the operation is answered.
type fakeRemote struct {
	applied []offline.Operation
	fail    map[string]error
	created int
	during  func(op offline.Operation)
}

func (f *fakeRemote) Apply(_ context.Context, op offline.Operation) (string, error) {
	if f.during != nil {
		f.during(op)
	}

	if err := f.fail[op.EntityID]; err != nil {
		return "", err
	}

	f.applied = append(f.applied, op)

	if op.Type != offline.OpCreate {
		return "", nil
	}

	f.created++

	return fmt.Sprintf("srv-%d", f.created), nil
}

func applyAll(t *testing.T, a *Applier, q *offline.Queue) BatchResult {
	t.Helper()

	ops, err := q.Operations(context.Background())
	require.NoError(t, err)

	res, err := a.Apply(context.Background(), ops)
	require.NoError(t, err)

	return res
}

func TestApplier_AllSucceed(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v1")
	enqueue(t, q, offline.EntityExpense, offline.OpDelete, "e1")

	remote := &fakeRemote{}
	a := NewApplier(q, remote, nil, slog.Default())

	res := applyAll(t, a, q)
	assert.Equal(t, BatchResult{SuccessCount: 2}, res)
	require.Len(t, remote.applied, 2)
	assert.Equal(t, "v1", remote.applied[0].EntityID, "queue order is kept")

	n, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplier_RemapsTemporaryIDsWithinPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, offline.EntityVehicle, offline.OpCreate, "temp_v", map[string]any{"make": "Volvo"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, offline.EntityMaintenance, offline.OpCreate, "temp_m", map[string]any{"vehicle_id": "temp_v"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, offline.EntityExpense, offline.OpUpdate, "e1", map[string]any{"vehicle_id": "temp_v"})
	require.NoError(t, err)

	remote := &fakeRemote{}
	a := NewApplier(q, remote, nil, slog.Default())

	res := applyAll(t, a, q)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Zero(t, res.FailedCount)

	require.Len(t, remote.applied, 3)
	assert.Equal(t, "srv-1", remote.applied[1].Data["vehicle_id"])
	assert.Equal(t, "srv-1", remote.applied[2].Data["vehicle_id"])

	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestApplier_DefersDependentsOfFailedCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, offline.EntityVehicle, offline.OpCreate, "temp_v", map[string]any{"make": "Volvo"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, offline.EntityMaintenance, offline.OpCreate, "temp_m", map[string]any{"vehicle_id": "temp_v"})
	require.NoError(t, err)

	remote := &fakeRemote{fail: map[string]error{"temp_v": errors.New("connection reset")}}
	a := NewApplier(q, remote, nil, slog.Default())

	res := applyAll(t, a, q)
	assert.Equal(t, BatchResult{FailedCount: 2}, res)
	assert.Empty(t, remote.applied, "the dependent create is never sent")

	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	for _, op := range ops {
		assert.Equal(t, 1, op.RetryCount, op.EntityID)
	}
}

func TestApplier_PermanentRejectionEvicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v1")
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v2")

	rejected := &backend.APIError{StatusCode: http.StatusUnprocessableEntity, Err: backend.ErrUnprocessable}
	remote := &fakeRemote{fail: map[string]error{"v1": rejected}}
	a := NewApplier(q, remote, nil, slog.Default())

	res := applyAll(t, a, q)
	assert.Equal(t, BatchResult{SuccessCount: 1, FailedCount: 1}, res)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected operation is dropped, not retried")
}

func TestApplier_TransientFailureEvictedAtCeiling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v1")

	remote := &fakeRemote{fail: map[string]error{"v1": backend.ErrServerError}}
	a := NewApplier(q, remote, nil, slog.Default())

	for pass := 1; pass <= q.MaxRetries(); pass++ {
		res := applyAll(t, a, q)
		assert.Equal(t, 1, res.FailedCount, "pass %d", pass)
	}

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplier_InvalidatesCacheForSyncedTypes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := offline.NewQueue(store, 3, slog.Default())
	c := cache.New(store, 0, slog.Default())

	require.NoError(t, c.Put(ctx, offline.EntityVehicle, []string{"stale"}))
	require.NoError(t, c.Put(ctx, offline.EntityExpense, []string{"fresh"}))

	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v1")

	a := NewApplier(q, &fakeRemote{}, c, slog.Default())
	applyAll(t, a, q)

	var rows []string

	ok, err := c.Get(ctx, offline.EntityVehicle, &rows)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Get(ctx, offline.EntityExpense, &rows)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplier_StopsOnCancel(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v1")

	ops, err := q.Operations(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote := &fakeRemote{}
	_, err = NewApplier(q, remote, nil, slog.Default()).Apply(ctx, ops)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, remote.applied)
}

func TestApplier_WithController(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpCreate, "temp_1")
	enqueue(t, q, offline.EntityVehicle, offline.OpUpdate, "v2")

	remote := &fakeRemote{fail: map[string]error{"v2": backend.ErrThrottled}}
	a := NewApplier(q, remote, nil, slog.Default())
	c, _ := newTestController(t, q, true, a.Apply, Config{})

	res, err := c.TriggerSync(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 1, c.State().PendingCount)
}

func TestApplier_KeepsEditMadeWhileInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, offline.EntityVehicle, offline.OpUpdate, "srv-7", map[string]any{"make": "Volvo"})
	require.NoError(t, err)

	remote := &fakeRemote{}
	remote.during = func(offline.Operation) {
		remote.during = nil

		_, _, err := q.Enqueue(ctx, offline.EntityVehicle, offline.OpUpdate, "srv-7", map[string]any{"mileage": 42000})
		require.NoError(t, err)
	}

	a := NewApplier(q, remote, nil, slog.Default())

	res := applyAll(t, a, q)
	assert.Equal(t, 1, res.SuccessCount)
	require.Len(t, remote.applied, 1)
	assert.NotContains(t, remote.applied[0].Data, "mileage")

	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "newer edit stays queued")

	applyAll(t, a, q)
	require.Len(t, remote.applied, 2)
	assert.EqualValues(t, 42000, remote.applied[1].Data["mileage"])

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestApplier_EditOfInFlightCreateBecomesUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t)
	enqueue(t, q, offline.EntityVehicle, offline.OpCreate, "temp_1")

	remote := &fakeRemote{}
	remote.during = func(offline.Operation) {
		remote.during = nil

		_, _, err := q.Enqueue(ctx, offline.EntityVehicle, offline.OpUpdate, "temp_1", map[string]any{"color": "red"})
		require.NoError(t, err)
	}

	applyAll(t, NewApplier(q, remote, nil, slog.Default()), q)

	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, offline.OpUpdate, ops[0].Type)
	assert.Equal(t, "srv-1", ops[0].EntityID)
	assert.Equal(t, "red", ops[0].Data["color"])
}
