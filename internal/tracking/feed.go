package tracking

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyfleet/tracker/internal/observability"
	"github.com/skyfleet/tracker/pkg/logger"
)

// Intake receives position records pushed by the upstream feed.
type Intake interface {
	Ingest(records []PositionRecord)
}

// feedRequest is the subscribe/unsubscribe frame sent upstream.
type feedRequest struct {
	Type    string      `json:"type"`
	Filters feedFilters `json:"filters"`
}

type feedFilters struct {
	ICAO24 []string `json:"icao24"`
}

// FeedOptions configures the upstream subscription.
type FeedOptions struct {
	URL           string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int
}

// Feed maintains a single WebSocket subscription to the upstream live
// stream. All tracked ids share the one connection; subscriptions are
// replayed after every reconnect. When the reconnect budget is exhausted the
// feed disables itself permanently and the caller continues on polling alone.
type Feed struct {
	opts   FeedOptions
	intake Intake
	logger *logger.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]struct{}
	running       bool
	disabled      bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewFeed creates a feed client. Records parsed from the stream flow into
// intake. The feed does nothing until Start is called.
func NewFeed(opts FeedOptions, intake Intake, loggerObj *logger.Logger) *Feed {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}
	return &Feed{
		opts:          opts,
		intake:        intake,
		logger:        loggerObj.Named("feed"),
		subscriptions: make(map[string]struct{}),
	}
}

// Start opens the connection loop. Idempotent; a second call while running is
// a no-op. Returns false if the feed has been permanently disabled.
func (f *Feed) Start(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disabled {
		return false
	}
	if f.running {
		return true
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true

	f.wg.Add(1)
	go f.connectLoop(runCtx)
	return true
}

// Stop closes the connection and halts reconnection. The feed can be started
// again later unless it disabled itself.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	f.wg.Wait()
}

// Active reports whether the feed loop is running and not disabled.
func (f *Feed) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running && !f.disabled
}

// Disabled reports whether the reconnect budget was exhausted.
func (f *Feed) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled
}

// Subscribe adds ids to the live subscription. Safe to call before the
// connection is up; the set is replayed on every (re)connect.
func (f *Feed) Subscribe(ids []string) {
	f.mu.Lock()
	added := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := f.subscriptions[id]; !ok {
			f.subscriptions[id] = struct{}{}
			added = append(added, id)
		}
	}
	conn := f.conn
	f.mu.Unlock()

	if len(added) == 0 || conn == nil {
		return
	}
	f.send(conn, feedRequest{Type: "subscribe", Filters: feedFilters{ICAO24: added}})
}

// Unsubscribe removes ids from the live subscription.
func (f *Feed) Unsubscribe(ids []string) {
	f.mu.Lock()
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := f.subscriptions[id]; ok {
			delete(f.subscriptions, id)
			removed = append(removed, id)
		}
	}
	conn := f.conn
	f.mu.Unlock()

	if len(removed) == 0 || conn == nil {
		return
	}
	f.send(conn, feedRequest{Type: "unsubscribe", Filters: feedFilters{ICAO24: removed}})
}

// A connection that survives this long resets the reconnect budget. Anything
// shorter counts the close as a failed attempt, so an upstream that accepts
// the handshake and immediately drops cannot be redialed in a tight loop.
const feedStableUptime = 30 * time.Second

// connectLoop dials, reads until failure, and reconnects with exponential
// backoff. Both a failed dial and a close after connecting consume one
// reconnect attempt and wait out the backoff before the next dial.
func (f *Feed) connectLoop(ctx context.Context) {
	defer f.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := f.dial(ctx)
		if err != nil {
			attempt++
			observability.FeedReconnects.Inc()
			if f.exhausted(attempt) {
				return
			}
			if !f.waitBackoff(ctx, attempt, err) {
				return
			}
			continue
		}

		f.mu.Lock()
		f.conn = conn
		pending := make([]string, 0, len(f.subscriptions))
		for id := range f.subscriptions {
			pending = append(pending, id)
		}
		f.mu.Unlock()
		sort.Strings(pending)

		if len(pending) > 0 {
			f.send(conn, feedRequest{Type: "subscribe", Filters: feedFilters{ICAO24: pending}})
		}

		f.logger.Info("Feed connected",
			logger.String("url", f.opts.URL),
			logger.Int("subscriptions", len(pending)))

		connectedAt := time.Now()
		f.readLoop(ctx, conn)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		if time.Since(connectedAt) >= feedStableUptime {
			attempt = 0
		}
		attempt++
		observability.FeedReconnects.Inc()
		if f.exhausted(attempt) {
			return
		}
		if !f.waitBackoff(ctx, attempt, nil) {
			return
		}
	}
}

// exhausted disables the feed once the reconnect budget is spent.
func (f *Feed) exhausted(attempt int) bool {
	if attempt < f.opts.MaxReconnects {
		return false
	}
	f.logger.Warn("Feed reconnect budget exhausted, falling back to polling",
		logger.Int("attempts", attempt))
	f.mu.Lock()
	f.disabled = true
	f.running = false
	f.mu.Unlock()
	return true
}

// waitBackoff sleeps out the backoff for attempt; false means ctx ended.
func (f *Feed) waitBackoff(ctx context.Context, attempt int, err error) bool {
	delay := f.backoffDelay(attempt)
	fields := []logger.Field{
		logger.Int("attempt", attempt),
		logger.Duration("delay", delay),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	f.logger.Warn("Feed reconnecting", fields...)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, f.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (f *Feed) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(f.opts.ReconnectBase) * math.Pow(2, float64(attempt-1)))
	if delay > f.opts.ReconnectMax {
		delay = f.opts.ReconnectMax
	}
	return delay
}

// readLoop parses incoming state envelopes until the connection drops.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("Feed read error", logger.Error(err))
			}
			return
		}

		var envelope stateEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			f.logger.Debug("Dropped malformed feed frame", logger.Error(err))
			continue
		}

		records := parseStates(envelope.States, envelope.Time, f.logger)
		if len(records) > 0 {
			f.intake.Ingest(records)
		}
	}
}

func (f *Feed) send(conn *websocket.Conn, req feedRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		f.logger.Error("Failed to marshal feed request", logger.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		f.logger.Warn("Failed to send feed request",
			logger.String("type", req.Type),
			logger.Error(err))
	}
}
