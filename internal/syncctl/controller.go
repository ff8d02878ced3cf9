package syncctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/autolog/internal/connectivity"
	"github.com/tonimelisma/autolog/internal/offline"
)

// DefaultPassTimeout bounds one sync pass when Config.PassTimeout is zero.
const DefaultPassTimeout = 2 * time.Minute

// Queue is the part of offline.Queue the controller uses.
type Queue interface {
	Operations(ctx context.Context) ([]offline.Operation, error)
	PendingCount(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, entityType offline.EntityType, opType offline.OpType,
		entityID string, data map[string]any) (offline.Operation, bool, error)
}

// Config holds controller options.
type Config struct {
	// PassTimeout is the deadline handed to the apply function.
	PassTimeout time.Duration
	// AutoSync starts a pass when connectivity returns with work pending.
	AutoSync bool
	// ForceOffline reports offline regardless of the probe.
	ForceOffline bool
	// Lock, when set, is held for the length of every pass so that other
	// controllers on the same queue skip instead of replaying it twice.
	Lock PassLock
}

// Controller mediates between the connectivity probe, the queue and the apply
// function. Create one per process with NewController.
type Controller struct {
	queue  Queue
	probe  connectivity.Probe
	apply  ApplyFunc
	cfg    Config
	logger *slog.Logger

	// syncing is the in-flight guard. It is claimed with a compare-and-swap
	// before any blocking call in TriggerSync and held until the apply
	// function has returned, even when the pass was abandoned.
	syncing atomic.Bool

	mu           sync.Mutex
	state        State
	probeOnline  bool
	probeSeen    bool // a transition arrived since Start subscribed
	forceOffline bool
	subs         map[int]func(State)
	nextSub      int
	abandoned    chan struct{} // closed when an abandoned apply returns

	unsubscribe func()
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	nowFunc func() time.Time
}

// NewController returns a controller. It does nothing until Start.
func NewController(queue Queue, probe connectivity.Probe, apply ApplyFunc, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}

	return &Controller{
		queue:        queue,
		probe:        probe,
		apply:        apply,
		cfg:          cfg,
		logger:       logger,
		forceOffline: cfg.ForceOffline,
		subs:         make(map[int]func(State)),
		nowFunc:      time.Now,
	}
}

// Start initializes the probe, loads the pending count and begins listening
// for connectivity transitions. Passes started automatically run under ctx.
// If the backend is already reachable with work pending, a pass starts.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.probe.Initialize(ctx); err != nil {
		return fmt.Errorf("syncctl: initializing connectivity probe: %w", err)
	}

	c.baseCtx, c.cancel = context.WithCancel(ctx)

	// Subscribe before sampling so a transition in between is not lost.
	c.unsubscribe = c.probe.Subscribe(c.onConnectivity)

	pending, err := c.queue.PendingCount(ctx)
	if err != nil {
		c.logger.Warn("reading pending count at start", slog.String("error", err.Error()))
		c.setError(storageError(err))
	}

	sampled := c.probe.Online()

	c.mu.Lock()
	if !c.probeSeen {
		c.probeOnline = sampled
	}

	c.state.IsOnline = c.probeOnline && !c.forceOffline
	c.state.PendingCount = pending
	online := c.state.IsOnline
	c.mu.Unlock()

	c.logger.Info("sync controller started",
		slog.Bool("online", online),
		slog.Int("pending", pending),
	)

	c.notify()

	if online {
		c.maybeAutoSync()
	}

	return nil
}

// Close stops listening, waits for automatically started passes and for an
// abandoned apply to return, and shuts the probe down.
func (c *Controller) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()

	c.mu.Lock()
	abandoned := c.abandoned
	c.mu.Unlock()

	if abandoned != nil {
		<-abandoned
	}

	if err := c.probe.Shutdown(); err != nil {
		return fmt.Errorf("syncctl: shutting down connectivity probe: %w", err)
	}

	return nil
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshot()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// SetForceOffline toggles the simulated offline mode. Leaving it while the
// probe reports online counts as coming back online.
func (c *Controller) SetForceOffline(force bool) {
	c.mu.Lock()
	was := c.state.IsOnline
	c.forceOffline = force
	c.state.IsOnline = c.probeOnline && !force
	now := c.state.IsOnline
	c.mu.Unlock()

	c.logger.Info("force offline changed", slog.Bool("force_offline", force))

	if was != now {
		c.notify()
	}

	if !was && now {
		c.maybeAutoSync()
	}
}

// AddToQueue enqueues an operation and refreshes the pending count. Storage
// failures are also recorded in the state as storage_unavailable.
func (c *Controller) AddToQueue(
	ctx context.Context, entityType offline.EntityType, opType offline.OpType,
	entityID string, data map[string]any,
) (offline.Operation, bool, error) {
	op, stored, err := c.queue.Enqueue(ctx, entityType, opType, entityID, data)
	if err != nil {
		if errors.Is(err, offline.ErrStorage) {
			c.setError(storageError(err))
		}

		return op, stored, err
	}

	c.refreshPending(ctx)

	return op, stored, nil
}

// TriggerSync runs one pass: the whole queue is handed to the apply function
// under the configured deadline. It returns at once with Ran false when
// offline or when another pass, here or in another process, holds the guard.
// The returned error, when non-nil, is the *SyncError also recorded in the
// state. A pass that overruns its deadline returns a timeout while the guard
// stays held until the apply function gives up.
func (c *Controller) TriggerSync(ctx context.Context) (Result, error) {
	if !c.State().IsOnline {
		return Result{Skipped: SkipOffline}, nil
	}

	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress")
		return Result{Skipped: SkipBusy}, nil
	}

	unlock, ok, err := c.lockPass()
	if err != nil {
		c.syncing.Store(false)

		se := storageError(err)
		c.setError(se)

		return Result{}, se
	}

	if !ok {
		c.syncing.Store(false)
		c.logger.Debug("sync in progress in another process")

		return Result{Skipped: SkipBusy}, nil
	}

	release := true
	defer func() {
		if release {
			c.finish(unlock)
		}
	}()

	start := c.nowFunc()

	c.mu.Lock()
	c.state.IsSyncing = true
	c.state.SyncError = nil
	c.mu.Unlock()
	c.notify()

	res := Result{Ran: true}

	ops, err := c.queue.Operations(ctx)
	if err != nil {
		return res, c.fail(storageError(err))
	}

	if len(ops) == 0 {
		c.mu.Lock()
		c.state.PendingCount = 0
		c.mu.Unlock()

		return res, nil
	}

	c.logger.Info("sync pass starting", slog.Int("operations", len(ops)))

	batch, applyErr, late := c.runApply(ctx, ops)
	res.BatchResult = batch

	if late != nil {
		release = false
		c.awaitAbandoned(late, unlock)
	}

	pending, pendErr := c.queue.PendingCount(ctx)
	if pendErr == nil {
		res.Pending = pending
	}

	completed := c.nowFunc()
	res.Duration = completed.Sub(start)

	c.mu.Lock()
	if pendErr == nil {
		c.state.PendingCount = pending
	}

	c.state.LastSyncTime = &completed
	c.mu.Unlock()

	c.logger.Info("sync pass finished",
		slog.Int("succeeded", batch.SuccessCount),
		slog.Int("failed", batch.FailedCount),
		slog.Int("pending", pending),
		slog.Duration("duration", res.Duration),
	)

	switch {
	case applyErr != nil:
		return res, c.fail(applyErr)
	case pendErr != nil:
		return res, c.fail(storageError(pendErr))
	case batch.FailedCount > 0:
		return res, c.fail(&SyncError{
			Kind:    KindFailedOperations,
			Message: fmt.Sprintf("%d operation(s) failed to sync", batch.FailedCount),
		})
	}

	return res, nil
}

// applyOutcome is what the apply goroutine reports.
type applyOutcome struct {
	res BatchResult
	err error
}

// runApply calls the apply function under the pass deadline. A panic or a
// deadline overrun becomes a *SyncError. When the pass context ends first the
// pass is abandoned: its context is cancelled, its result will be discarded,
// and late is the channel the still running apply will report on.
func (c *Controller) runApply(ctx context.Context, ops []offline.Operation) (BatchResult, *SyncError, <-chan applyOutcome) {
	passCtx, cancel := context.WithTimeout(ctx, c.cfg.PassTimeout)
	defer cancel()

	done := make(chan applyOutcome, 1)

	go func() {
		var out applyOutcome

		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("apply panicked: %v", r)
			}

			done <- out
		}()

		out.res, out.err = c.apply(passCtx, ops)
	}()

	var (
		out  applyOutcome
		late <-chan applyOutcome
	)

	select {
	case out = <-done:
	case <-passCtx.Done():
		out.err = passCtx.Err()
		late = done
	}

	if out.err == nil {
		return out.res, nil, late
	}

	if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.logger.Warn("sync pass timed out", slog.Duration("timeout", c.cfg.PassTimeout))

		return out.res, &SyncError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("sync pass exceeded %s", c.cfg.PassTimeout),
			Err:     out.err,
		}, late
	}

	var se *SyncError
	if errors.As(out.err, &se) {
		return out.res, se, late
	}

	if errors.Is(out.err, offline.ErrStorage) {
		return out.res, storageError(out.err), late
	}

	c.logger.Error("apply failed", slog.String("error", out.err.Error()))

	return out.res, &SyncError{Kind: KindApplyFailed, Message: out.err.Error(), Err: out.err}, late
}

// awaitAbandoned keeps the guard and pass lock until an abandoned apply
// returns, then refreshes the pending count and releases them.
func (c *Controller) awaitAbandoned(late <-chan applyOutcome, unlock func()) {
	finished := make(chan struct{})

	c.mu.Lock()
	c.abandoned = finished
	c.mu.Unlock()

	go func() {
		defer close(finished)

		out := <-late

		c.logger.Info("abandoned sync pass returned",
			slog.Int("succeeded", out.res.SuccessCount),
			slog.Int("failed", out.res.FailedCount),
		)

		c.refreshPending(context.Background())
		c.finish(unlock)
	}()
}

// lockPass takes the cross-process pass lock when one is configured.
func (c *Controller) lockPass() (func(), bool, error) {
	if c.cfg.Lock == nil {
		return func() {}, true, nil
	}

	return c.cfg.Lock.TryLock()
}

// finish drops the pass lock, releases the guard and marks the controller
// idle.
func (c *Controller) finish(unlock func()) {
	unlock()

	c.mu.Lock()
	c.state.IsSyncing = false
	c.mu.Unlock()

	c.syncing.Store(false)
	c.notify()
}

// fail records se in the state and returns it as an error.
func (c *Controller) fail(se *SyncError) error {
	c.mu.Lock()
	c.state.SyncError = se
	c.mu.Unlock()

	return se
}

func (c *Controller) setError(se *SyncError) {
	c.fail(se) //nolint:errcheck // recorded in state only
	c.notify()
}

func (c *Controller) refreshPending(ctx context.Context) {
	pending, err := c.queue.PendingCount(ctx)
	if err != nil {
		c.setError(storageError(err))
		return
	}

	c.mu.Lock()
	c.state.PendingCount = pending
	c.mu.Unlock()
	c.notify()
}

// onConnectivity is the probe subscriber.
func (c *Controller) onConnectivity(online bool) {
	c.mu.Lock()
	was := c.state.IsOnline
	c.probeSeen = true
	c.probeOnline = online
	c.state.IsOnline = online && !c.forceOffline
	now := c.state.IsOnline
	c.mu.Unlock()

	if was != now {
		c.notify()
	}

	if !was && now {
		c.maybeAutoSync()
	}
}

// maybeAutoSync starts a background pass when auto sync is enabled, no pass
// is running and the queue is not empty.
func (c *Controller) maybeAutoSync() {
	if !c.cfg.AutoSync || c.baseCtx == nil || c.syncing.Load() {
		return
	}

	ctx := c.baseCtx

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		if ctx.Err() != nil {
			return
		}

		pending, err := c.queue.PendingCount(ctx)
		if err != nil || pending == 0 {
			return
		}

		c.logger.Info("connectivity restored, syncing", slog.Int("pending", pending))

		if _, err := c.TriggerSync(ctx); err != nil {
			c.logger.Warn("automatic sync failed", slog.String("error", err.Error()))
		}
	}()
}

// Sync is TriggerSync for callers that only need the error, such as
// scheduled jobs.
func (c *Controller) Sync(ctx context.Context) error {
	_, err := c.TriggerSync(ctx)
	return err
}

// snapshot copies the state. Caller holds c.mu.
func (c *Controller) snapshot() State {
	s := c.state

	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		s.LastSyncTime = &t
	}

	return s
}

// notify delivers a snapshot to every subscriber outside the lock.
func (c *Controller) notify() {
	c.mu.Lock()
	s := c.snapshot()

	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func storageError(err error) *SyncError {
	return &SyncError{Kind: KindStorageUnavailable, Message: "local storage unavailable", Err: err}
}
