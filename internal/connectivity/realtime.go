package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Reconnect and heartbeat timing for the realtime channel.
const (
	reconnectBase     = 1 * time.Second
	reconnectMax      = 30 * time.Second
	heartbeatInterval = 25 * time.Second
	dialTimeout       = 10 * time.Second
)

// heartbeat is the keep-alive frame the backend's realtime endpoint expects;
// a socket that stays silent is closed by the server.
type heartbeat struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// RealtimeProbe holds a WebSocket to the backend's realtime endpoint and
// reports online for as long as the socket is open. Lost connections are
// redialed with exponential backoff.
type RealtimeProbe struct {
	*notifier

	url    string
	header http.Header

	// Injectable for tests.
	sleepFunc      func(ctx context.Context, d time.Duration) error
	heartbeatEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRealtimeProbe creates a probe for the ws:// or wss:// url. header is sent
// with every dial (API key).
func NewRealtimeProbe(url string, header http.Header, logger *slog.Logger) *RealtimeProbe {
	return &RealtimeProbe{
		notifier:       newNotifier("realtime", logger),
		url:            url,
		header:         header,
		sleepFunc:      timeSleep,
		heartbeatEvery: heartbeatInterval,
	}
}

// Initialize starts the connection loop. The probe reports offline until the
// first dial succeeds.
func (p *RealtimeProbe) Initialize(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("connectivity: realtime probe already initialized")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)

	go p.loop(loopCtx)

	return nil
}

func (p *RealtimeProbe) loop(ctx context.Context) {
	defer p.wg.Done()

	failures := 0

	for ctx.Err() == nil {
		if err := p.session(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("realtime connection ended", slog.String("error", err.Error()))
			failures++
		} else {
			failures = 0
		}

		p.set(false)

		if err := p.sleepFunc(ctx, reconnectDelay(failures)); err != nil {
			return
		}
	}
}

// session dials once and blocks until the connection drops or ctx ends.
func (p *RealtimeProbe) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, p.url, &websocket.DialOptions{HTTPHeader: p.header})
	cancel()

	if err != nil {
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	defer conn.CloseNow()

	p.set(true)

	// Replies and broadcasts are drained and ignored; the reader only exists
	// to notice when the connection breaks.
	readErr := make(chan error, 1)

	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()

	ref := 0

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("realtime connection closed: %w", err)
		case <-ticker.C:
			ref++

			msg := heartbeat{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}, Ref: strconv.Itoa(ref)}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

// Shutdown closes the connection and stops reconnecting.
func (p *RealtimeProbe) Shutdown() error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}

	return nil
}

// reconnectDelay doubles from reconnectBase per consecutive failure, capped
// at reconnectMax. A clean disconnect (failures == 0) redials after the base.
func reconnectDelay(failures int) time.Duration {
	d := reconnectBase

	for i := 1; i < failures && d < reconnectMax; i++ {
		d *= 2
	}

	return min(d, reconnectMax)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
