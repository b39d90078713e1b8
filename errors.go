package conclave

import (
	"fmt"
	"strconv"
	"time"
)

// ErrLLM wraps a provider-reported failure that is surfaced as an
// ErrorResponse inside a CompletionResponse rather than thrown (spec §4.C).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP wraps a non-200 response from an HTTP collaborator (Service
// Manager REST calls, Task Client, WebSocket transport upgrade). RetryAfter
// is populated from a Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value into a duration. It
// accepts the delta-seconds form ("120") and the HTTP-date form
// ("Wed, 21 Oct 2026 07:28:00 GMT"). Returns 0 if header is empty or
// unparseable, or if the parsed date is already in the past.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrStateTransition is a domain error for an invalid Agent Manager state
// machine transition (spec §4.G, §7 "State-machine violations ... fail
// fast with a domain error — these are programmer errors").
type ErrStateTransition struct {
	From  ManagerState
	To    ManagerState
	Op    string
}

func (e *ErrStateTransition) Error() string {
	return fmt.Sprintf("agent manager: invalid transition %s --%s--> %s", e.From, e.Op, e.To)
}

// ErrConstruction marks a fail-fast construction error (missing API key,
// unknown model id) — these never degrade to an ErrorResponse (spec §7).
type ErrConstruction struct {
	Component string
	Message   string
}

func (e *ErrConstruction) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// ErrUnknownTransferTarget is produced when an AgentTransfer names an
// agent id the Manager does not know. Per spec §4.G/§7 this never crashes
// the run: the source agent receives an explanatory message and stays active.
type ErrUnknownTransferTarget struct {
	AgentID string
}

func (e *ErrUnknownTransferTarget) Error() string {
	return fmt.Sprintf("agent manager: unknown transfer target %q", e.AgentID)
}

// newErrorReport is a small constructor used by components that report to
// the monitoring collaborator (spec §7 ErrorReport).
func newErrorReport(kind ErrorKind, sev Severity, msg string) ErrorReport {
	return ErrorReport{
		Type:      kind,
		Message:   msg,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
	}
}
