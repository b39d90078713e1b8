package conclave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/conclave-run/conclave/service"
)

// ServicesConfig configures Services construction (spec §4.H create).
type ServicesConfig struct {
	BaseURL    string
	WSURL      string
	APIKey     string
	Features   FeatureFlag
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Services is the Service Manager: a per-process singleton owning an HTTP
// client for REST collaborators and a WebSocket Transport for the event
// bus (spec §4.H). Construction degrades gracefully — if the health check
// fails, Services still returns usable (no-broadcast, no-persistence) so
// the Agent Core can keep operating (spec §4.H construction contract).
type Services struct {
	http      *http.Client
	baseURL   string
	transport *service.Transport
	degraded  bool
	logger    *slog.Logger
}

var (
	servicesOnce sync.Once
	servicesInst *Services
)

// NewServices constructs (or, on a later call, returns) the process-wide
// Services singleton — first-construction parameters win, matching spec
// §4.H's Websocket Manager singleton contract generalized to the whole
// Service Manager bundle (spec §9 redesign note: explicit sync.Once at a
// single construction site rather than module-level state).
func NewServices(ctx context.Context, cfg ServicesConfig) *Services {
	servicesOnce.Do(func() {
		servicesInst = buildServices(ctx, cfg)
	})
	return servicesInst
}

func buildServices(ctx context.Context, cfg ServicesConfig) *Services {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	s := &Services{
		http:    &http.Client{Timeout: healthCheckTimeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
	if !cfg.Features.Has(FeatureServiceManager) || cfg.BaseURL == "" {
		s.degraded = true
		return s
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if !s.checkHealth(healthCtx) {
		logger.Warn("service manager: health check failed, degrading")
		s.degraded = true
		return s
	}

	if cfg.WSURL != "" {
		s.transport = service.NewTransport(cfg.WSURL, cfg.APIKey, logger)
		if err := s.transport.Connect(ctx, cfg.MaxRetries, cfg.RetryDelay); err != nil {
			logger.Warn("service manager: websocket connect failed, degrading broadcasts", "error", err)
			s.transport = nil
		}
	}
	return s
}

const healthCheckTimeout = 10 * time.Second

// checkHealth performs the GET /health probe (spec §4.H construction:
// "health GET /health expecting {status: 'ok'} within 10s").
func (s *Services) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) != nil {
		return false
	}
	return body.Status == "ok"
}

// Degraded reports whether Services is running without broadcast/
// persistence capability (spec §4.H degrade-gracefully path).
func (s *Services) Degraded() bool { return s.degraded }

// SendMessageToAssistant builds and enqueues an assistant-directed event
// (spec §4.H broadcast APIs).
func (s *Services) SendMessageToAssistant(text string) error {
	return s.broadcast(EventMessage{Type: EventAssistant, Payload: EventPayload{Message: text}})
}

// SendMessageToUser builds and enqueues a user-directed event.
func (s *Services) SendMessageToUser(response string) error {
	return s.broadcast(EventMessage{Type: EventMessageKind, Payload: EventPayload{Message: response}})
}

// BroadcastClientStatus builds and enqueues a client-status event.
func (s *Services) BroadcastClientStatus(state string) error {
	return s.broadcast(EventMessage{Type: EventClientStatus, Payload: EventPayload{State: state}})
}

func (s *Services) broadcast(msg EventMessage) error {
	if s.degraded || s.transport == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("service manager: encode event: %w", err)
	}
	return s.transport.Send(string(data))
}

// Close disconnects the WebSocket transport, if any (spec §4.G CleanUp).
func (s *Services) Close() {
	if s.transport != nil {
		_ = s.transport.Disconnect()
	}
}
