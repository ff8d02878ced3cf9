package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultPollInterval = 30 * time.Second
	checkTimeout        = 5 * time.Second
)

// HTTPProbe considers the backend reachable when a GET of its health URL
// returns any response below 500. It checks once during Initialize and then
// every interval until Shutdown.
type HTTPProbe struct {
	*notifier

	url      string
	interval time.Duration
	client   *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPProbe creates a probe for healthURL. A nil client gets a client with
// a short timeout; interval <= 0 selects 30s.
func NewHTTPProbe(healthURL string, interval time.Duration, client *http.Client, logger *slog.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}

	return &HTTPProbe{
		notifier: newNotifier("http", logger),
		url:      healthURL,
		interval: interval,
		client:   client,
	}
}

// Initialize performs the first check synchronously and starts polling.
func (p *HTTPProbe) Initialize(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("connectivity: http probe already initialized")
	}

	p.set(p.check(ctx))

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)

	go p.loop(loopCtx)

	return nil
}

func (p *HTTPProbe) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.set(p.check(ctx))
		}
	}
}

func (p *HTTPProbe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("invalid health url", slog.String("url", p.url), slog.String("error", err.Error()))
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health check failed", slog.String("error", err.Error()))
		return false
	}

	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Shutdown stops polling and waits for the loop to exit.
func (p *HTTPProbe) Shutdown() error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}

	return nil
}
