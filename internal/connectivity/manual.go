package connectivity

import (
	"context"
	"log/slog"
)

// ManualProbe is driven explicitly through SetOnline. It backs --offline runs
// and tests.
type ManualProbe struct {
	*notifier
}

// NewManualProbe returns a ManualProbe starting in the given state.
func NewManualProbe(online bool, logger *slog.Logger) *ManualProbe {
	p := &ManualProbe{notifier: newNotifier("manual", logger)}
	p.online = online

	return p
}

func (p *ManualProbe) Initialize(context.Context) error { return nil }

func (p *ManualProbe) Shutdown() error { return nil }

// SetOnline changes the reported state, notifying subscribers on transition.
func (p *ManualProbe) SetOnline(online bool) {
	p.set(online)
}
