// Package service implements the Service Manager and its WebSocket
// Transport (spec §4.H): a singleton per-process bundle owning an HTTP
// client for REST collaborators and a WebSocket client for the event bus,
// with typed payload routing and a degrade-gracefully construction path.
//
// Grounded on vanducng-goclaw's internal/gateway/server.go for the overall
// shape (upgrader, client registry, broadcast, health endpoint). That
// repo's own WebSocket client type is absent from this retrieval pack
// snapshot, so the reader/heartbeat/outbound-queue fiber implementation
// here instead follows general gorilla/websocket idiom plus this module's
// own retry.go backoff math (exponential-with-jitter) and agentcore.go's
// onceClose/drain-timeout pattern for safe channel shutdown.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	agentrt "github.com/conclave-run/conclave"
)

const (
	defaultMaxRetries    = 10
	maxBackoff           = 5 * time.Minute
	heartbeatInterval    = 60 * time.Second
	pongTimeout          = 20 * time.Second
	maxMissedPongs       = 3
	outboundQueueSize    = 1000
	healthCheckTimeout   = 10 * time.Second
	writerReconnectPoll  = 50 * time.Millisecond
)

// Handler processes one decoded EventMessage.
type Handler func(ctx context.Context, msg agentrt.EventMessage)

// Metrics tracks WebSocket Manager counters (spec §4.H).
type Metrics struct {
	ConnectionAttempts int
	SuccessfulSent     int
	FailedSent         int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	LastError          string
}

// connGen is one connection attempt's generation: its socket and a
// closeOnce-guarded stop signal for that generation's reader/heartbeat
// fibers. A fresh connGen is created on every successful (re)dial so an
// earlier generation's disconnect handling can never tear down a newer
// generation's fibers.
type connGen struct {
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

func (g *connGen) close() {
	g.closeOnce.Do(func() { close(g.stop) })
}

// Transport is the WebSocket Transport (spec §4.H): connect/reconnect with
// backoff, a reader fiber, a heartbeat fiber, and a bounded outbound queue
// that survives reconnection — the writer fiber blocks rather than drops
// while disconnected, so messages enqueued mid-outage are still delivered
// in submission order once a new generation connects (spec §8 scenario 6).
type Transport struct {
	url    string
	apiKey string
	logger *slog.Logger

	mu        sync.Mutex
	gen       *connGen
	connected bool
	missed    int
	closed    bool // Disconnect() was called; auto-reconnect must stop

	maxRetries int
	retryDelay time.Duration

	outbound chan string
	inbound  chan string

	mx      sync.Mutex
	metrics Metrics

	handlersMu sync.RWMutex
	handlers   map[agentrt.EventMessageType]Handler

	writerStarted bool
}

// NewTransport creates a Transport targeting url, authenticated with apiKey.
func NewTransport(url, apiKey string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		url:      url,
		apiKey:   apiKey,
		logger:   logger,
		outbound: make(chan string, outboundQueueSize),
		inbound:  make(chan string, outboundQueueSize),
		handlers: make(map[agentrt.EventMessageType]Handler),
	}
}

// RegisterHandler wires a handler for the given event type (spec §4.H
// "typed payload routing via a handler table keyed by EventMessageType").
func (t *Transport) RegisterHandler(typ agentrt.EventMessageType, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[typ] = h
}

// Connect dials with up to maxRetries attempts and exponential backoff
// (base retryDelay, capped at 5 minutes, ±jitter). A 401 response fails
// immediately without retry (spec §4.H connect contract). On success it
// starts the reader and heartbeat fibers for that connection generation,
// plus (once, for the Transport's lifetime) the writer fiber that
// auto-reconnects on disconnect until Disconnect is called.
func (t *Transport) Connect(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	t.mu.Lock()
	t.maxRetries = maxRetries
	t.retryDelay = retryDelay
	t.closed = false
	startWriter := !t.writerStarted
	t.writerStarted = true
	t.mu.Unlock()

	if err := t.dialWithRetry(ctx, maxRetries, retryDelay); err != nil {
		return err
	}
	if startWriter {
		go t.writerLoop(ctx)
	}
	return nil
}

// dialWithRetry performs the connect-with-backoff loop and, on success,
// installs a new connGen and starts its reader/heartbeat fibers.
func (t *Transport) dialWithRetry(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("Authorization", "Bearer "+t.apiKey)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		t.mx.Lock()
		t.metrics.ConnectionAttempts++
		t.mx.Unlock()

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
		if err == nil {
			gen := &connGen{conn: conn, stop: make(chan struct{})}
			t.mu.Lock()
			t.gen = gen
			t.connected = true
			t.missed = 0
			t.mu.Unlock()

			t.mx.Lock()
			t.metrics.LastConnectedAt = time.Now()
			t.mx.Unlock()

			go t.readerLoop(ctx, gen)
			go t.heartbeatLoop(ctx, gen)
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("service: websocket auth rejected: %w", err)
		}
		lastErr = err

		backoff := connectBackoff(retryDelay, attempt)
		t.logger.Warn("websocket connect failed, retrying", "attempt", attempt+1, "delay", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	t.mx.Lock()
	t.metrics.LastError = lastErr.Error()
	t.mx.Unlock()
	return fmt.Errorf("service: websocket connect exhausted %d attempts: %w", maxRetries, lastErr)
}

// connectBackoff computes exponential backoff with up to 10% jitter,
// capped at maxBackoff — the same exponential-with-jitter shape as the
// module's retryBackoff, adapted to this component's ±10% jitter bound
// and 5-minute cap (spec §4.H).
func connectBackoff(base time.Duration, attempt int) time.Duration {
	exp := base * time.Duration(1<<uint(attempt))
	if exp > maxBackoff || exp <= 0 {
		exp = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/10 + 1))
	return exp + jitter
}

// readerLoop pushes TEXT frames onto the inbound queue, answers protocol
// PINGs with PONGs, notifies the heartbeat on PONG, and triggers reconnect
// on CLOSE/ERROR (spec §4.H reader contract). It belongs to one connection
// generation and exits (without affecting a later generation) once that
// generation's socket errors or its stop channel closes.
func (t *Transport) readerLoop(ctx context.Context, gen *connGen) {
	gen.conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.missed = 0
		t.mu.Unlock()
		return nil
	})
	for {
		_, data, err := gen.conn.ReadMessage()
		if err != nil {
			t.markDisconnected(ctx, gen, err)
			return
		}
		select {
		case t.inbound <- string(data):
		case <-ctx.Done():
			return
		case <-gen.stop:
			return
		}
		t.dispatch(ctx, data)
	}
}

// dispatch decodes one inbound frame into an EventMessage and routes it
// to a registered handler; unknown types are logged and dropped (spec
// §4.H event routing).
func (t *Transport) dispatch(ctx context.Context, data []byte) {
	var msg agentrt.EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("service: malformed event frame", "error", err)
		return
	}
	t.handlersMu.RLock()
	h, ok := t.handlers[msg.Type]
	t.handlersMu.RUnlock()
	if !ok {
		t.logger.Warn("service: unhandled event type", "type", msg.Type)
		return
	}
	h(ctx, msg)
}

// heartbeatLoop pings every 60s, expects a pong within 20s, and triggers
// reconnect after 3 consecutive misses (spec §4.H heartbeat contract). It
// belongs to one connection generation, same lifetime rules as readerLoop.
func (t *Transport) heartbeatLoop(ctx context.Context, gen *connGen) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gen.stop:
			return
		case <-ticker.C:
			if err := gen.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				t.markDisconnected(ctx, gen, err)
				return
			}
			time.AfterFunc(pongTimeout, func() {
				t.mu.Lock()
				if t.gen != gen {
					t.mu.Unlock()
					return // a newer generation already took over
				}
				t.missed++
				missed := t.missed
				t.mu.Unlock()
				if missed >= maxMissedPongs {
					t.markDisconnected(ctx, gen, fmt.Errorf("service: %d missed heartbeats", missed))
				}
			})
		}
	}
}

// writerLoop drains the outbound queue, blocking (not dropping) while
// disconnected so queued messages survive a reconnect (spec §8 scenario
// 6). Started once per Transport lifetime; runs until ctx is done.
func (t *Transport) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.outbound:
			t.writeWhenConnected(ctx, text)
		}
	}
}

// writeWhenConnected waits for a live connection (reconnecting in the
// background via markDisconnected's supervisor) and writes text, retrying
// across generations until it succeeds, ctx ends, or the transport is
// permanently closed.
func (t *Transport) writeWhenConnected(ctx context.Context, text string) {
	for {
		t.mu.Lock()
		connected := t.connected
		gen := t.gen
		closed := t.closed
		t.mu.Unlock()

		if closed {
			return
		}
		if !connected || gen == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(writerReconnectPoll):
				continue
			}
		}

		err := gen.conn.WriteMessage(websocket.TextMessage, []byte(text))
		if err != nil {
			t.mx.Lock()
			t.metrics.FailedSent++
			t.mx.Unlock()
			t.markDisconnected(ctx, gen, err)
			continue
		}
		t.mx.Lock()
		t.metrics.SuccessfulSent++
		t.mx.Unlock()
		return
	}
}

// Send enqueues text on the outbound queue, returning a "queue full"
// error on overflow (spec §4.H Websocket Manager outbound queue).
func (t *Transport) Send(text string) error {
	select {
	case t.outbound <- text:
		return nil
	default:
		return fmt.Errorf("service: outbound queue full")
	}
}

// Receive pops one frame from the inbound queue, or returns "", false if
// none is available. Frames shaped like {"error":..., "code":429} are
// dropped per spec §4.H receive() contract.
func (t *Transport) Receive() (string, bool) {
	select {
	case text := <-t.inbound:
		if isRateLimitedFrame(text) {
			return "", false
		}
		return text, true
	default:
		return "", false
	}
}

func isRateLimitedFrame(text string) bool {
	var probe struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if json.Unmarshal([]byte(text), &probe) != nil {
		return false
	}
	return probe.Error != "" && probe.Code == 429
}

// markDisconnected closes out gen's fibers (once), records the failure,
// and — unless the Transport was deliberately closed, or a newer
// generation already replaced gen — triggers a background reconnect with
// the same retry parameters Connect was given (spec §4.H "trigger
// reconnect").
func (t *Transport) markDisconnected(ctx context.Context, gen *connGen, err error) {
	gen.close()

	t.mu.Lock()
	stale := t.gen != gen
	if !stale {
		t.connected = false
	}
	closed := t.closed
	maxRetries, retryDelay := t.maxRetries, t.retryDelay
	t.mu.Unlock()

	if stale {
		return
	}

	t.mx.Lock()
	t.metrics.LastDisconnectedAt = time.Now()
	if err != nil {
		t.metrics.LastError = err.Error()
	}
	t.mx.Unlock()

	_ = gen.conn.Close()

	if closed {
		return
	}
	go func() {
		if err := t.dialWithRetry(ctx, maxRetries, retryDelay); err != nil {
			t.logger.Error("service: websocket auto-reconnect failed", "error", err)
		}
	}()
}

// Disconnect stops auto-reconnect, tears down the current generation's
// fibers, and closes the socket.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	gen := t.gen
	t.connected = false
	t.mu.Unlock()

	if gen == nil {
		return nil
	}
	gen.close()
	return gen.conn.Close()
}

// Metrics returns a snapshot of the transport's counters.
func (t *Transport) Metrics() Metrics {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.metrics
}

// Connected reports whether the transport currently holds a live socket.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
