package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// DefaultRelayTimeout bounds one relay's connect, send and acknowledgement.
const DefaultRelayTimeout = 6 * time.Second

// ErrNoRelays is returned when Publish is called without any relay URL.
var ErrNoRelays = errors.New("no relays configured")

// PublishError reports that no relay accepted an event.
type PublishError struct {
	Relays map[string]error
}

func (e *PublishError) Error() string {
	urls := make([]string, 0, len(e.Relays))
	for u := range e.Relays {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.Relays[u]))
	}
	return "no relay accepted event: " + strings.Join(parts, "; ")
}

// RelayPool publishes events to relays over short-lived websocket
// connections.
type RelayPool struct {
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *slog.Logger
}

// PoolOption configures a RelayPool.
type PoolOption func(*RelayPool)

// WithTimeout sets the per-relay timeout.
func WithTimeout(d time.Duration) PoolOption {
	return func(p *RelayPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) PoolOption {
	return func(p *RelayPool) { p.dialer = d }
}

// NewRelayPool creates a relay pool.
func NewRelayPool(logger *slog.Logger, opts ...PoolOption) *RelayPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &RelayPool{
		dialer:  websocket.DefaultDialer,
		timeout: DefaultRelayTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends ev to every relay concurrently. It returns the event id when
// at least one relay acknowledged it, and a *PublishError otherwise. The
// per-relay outcome map is returned in both cases.
func (p *RelayPool) Publish(ctx context.Context, ev *domain.SignedMessage, relayURLs []string) (string, map[string]error, error) {
	if len(relayURLs) == 0 {
		return "", nil, ErrNoRelays
	}

	results := make(map[string]error, len(relayURLs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, u := range relayURLs {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			err := p.send(ctx, ev, relayURL)
			if err != nil {
				p.logger.Warn("relay publish failed", "relay", relayURL, "event_id", ev.ID, "error", err)
			} else {
				p.logger.Debug("relay accepted event", "relay", relayURL, "event_id", ev.ID)
			}
			mu.Lock()
			results[relayURL] = err
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	for _, err := range results {
		if err == nil {
			return ev.ID, results, nil
		}
	}
	return "", results, &PublishError{Relays: results}
}

func (p *RelayPool) send(ctx context.Context, ev *domain.SignedMessage, relayURL string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the deadline passes or the caller cancels.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON([]any{"EVENT", toEvent(ev)}); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("await ok: %w", ctxErr)
			}
			return fmt.Errorf("read message: %w", err)
		}

		accepted, reason, ok := parseOK(message, ev.ID)
		if !ok {
			continue
		}
		if !accepted {
			if reason == "" {
				reason = "no reason given"
			}
			return fmt.Errorf("relay rejected event: %s", reason)
		}
		return nil
	}
}

// parseOK decodes ["OK", <id>, <accepted>, <message>] for the given id.
// Any other frame (NOTICE, EOSE, OKs for other events) reports ok=false.
func parseOK(message []byte, eventID string) (accepted bool, reason string, ok bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 3 {
		return false, "", false
	}

	var label, id string
	if err := json.Unmarshal(frame[0], &label); err != nil || label != "OK" {
		return false, "", false
	}
	if err := json.Unmarshal(frame[1], &id); err != nil || id != eventID {
		return false, "", false
	}
	if err := json.Unmarshal(frame[2], &accepted); err != nil {
		return false, "", false
	}
	if len(frame) > 3 {
		_ = json.Unmarshal(frame[3], &reason)
	}
	return accepted, reason, true
}

// Probe dials relayURL and reports the connect latency.
func (p *RelayPool) Probe(ctx context.Context, relayURL string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial relay: %w", err)
	}
	latency := time.Since(start)

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()
	return latency, nil
}
