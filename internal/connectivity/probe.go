// Package connectivity reports whether the backend is reachable. Probes push
// transitions to subscribers; consumers never poll.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// Probe is the connectivity signal the sync controller depends on.
// Subscribers are called on every online/offline transition, from the
// probe's own goroutine, and must not block.
type Probe interface {
	Initialize(ctx context.Context) error
	Subscribe(fn func(online bool)) (unsubscribe func())
	Online() bool
	Shutdown() error
}

// notifier holds the online flag and the subscriber list shared by every
// probe implementation.
type notifier struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
	logger *slog.Logger
	name   string
}

func newNotifier(name string, logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &notifier{subs: make(map[int]func(bool)), logger: logger, name: name}
}

// Subscribe registers fn for transitions.
func (n *notifier) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Online returns the last observed state.
func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.online
}

// set records the observed state and notifies subscribers outside the lock
// when it changed.
func (n *notifier) set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}

	n.online = online

	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	n.logger.Info("connectivity changed",
		slog.String("probe", n.name),
		slog.Bool("online", online),
	)

	for _, fn := range subs {
		fn(online)
	}
}
