// Package capability is the client side of the external capability registry:
// the catalog of business actions the model may ask to run. Calls go out as
// JSON-RPC over HTTP behind a circuit breaker.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

// Errors returned by the capability package.
var (
	ErrUnavailable = errors.New("capability: registry unavailable (circuit open)")
	ErrHealthCheck = errors.New("capability: health check failed")
	ErrInvalidURL  = errors.New("capability: invalid registry URL")
	ErrTransport   = errors.New("capability: transport failure")
)

var tracer = otel.Tracer("github.com/amplifier/amplifier-go-backend/internal/capability")

// Definition describes one capability the model may request.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Actor identifies on whose behalf a capability runs.
type Actor struct {
	OwnerID string `json:"owner_id"`
	FirmID  string `json:"firm_id"`
}

// Result is the outcome of one invocation. A non-empty Error means the
// action failed; Data is whatever the capability returned otherwise.
type Result struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Failed reports whether the invocation reported an error.
func (r Result) Failed() bool { return r.Error != "" }

// Registry is the engine's view of the capability catalog. Invoke returns a
// non-nil error only when the registry itself could not be reached; an
// action that ran and failed comes back as a Result with Error set.
type Registry interface {
	List(ctx context.Context) ([]Definition, error)
	Invoke(ctx context.Context, name string, args map[string]any, actor Actor) (Result, error)
}

// --- JSON-RPC types ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- HTTP registry client ---

// HTTPClient implements Registry using JSON-RPC over HTTP.
type HTTPClient struct {
	serverURL  string
	httpClient *http.Client
	breaker    *circuitBreaker
	listTTL    time.Duration
	nextID     atomic.Int64

	mu       sync.Mutex
	cached   []Definition
	cachedAt time.Time
}

// NewHTTPClient creates a registry client from config.
func NewHTTPClient(cfg config.CapabilitiesConfig) (*HTTPClient, error) {
	if err := ValidateURL(cfg.URL); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		serverURL:  cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newCircuitBreaker(30 * time.Second),
		listTTL:    cfg.ListTTL,
	}, nil
}

// List returns the advertised capabilities, served from cache within ListTTL.
// A failed refresh falls back to the previous list when there is one.
func (c *HTTPClient) List(ctx context.Context) ([]Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.listTTL {
		return c.cached, nil
	}

	raw, rpcErr, err := c.call(ctx, "capabilities/list", nil)
	if err == nil && rpcErr != nil {
		err = fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	if err != nil {
		if c.cached != nil {
			slog.Warn("capability: list refresh failed, serving cached list", slog.String("error", err.Error()))
			return c.cached, nil
		}
		return nil, fmt.Errorf("capability: list: %w", err)
	}

	var wrapper struct {
		Capabilities []Definition `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("capability: unmarshal list: %w", err)
	}
	if wrapper.Capabilities == nil {
		wrapper.Capabilities = []Definition{}
	}
	c.cached = wrapper.Capabilities
	c.cachedAt = time.Now()
	return c.cached, nil
}

// Invoke runs one capability for actor.
func (c *HTTPClient) Invoke(ctx context.Context, name string, args map[string]any, actor Actor) (Result, error) {
	ctx, span := tracer.Start(ctx, "capability.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("amplifier.capability.name", name)),
	)
	defer span.End()

	if args == nil {
		args = map[string]any{}
	}
	raw, rpcErr, err := c.call(ctx, "capabilities/invoke", map[string]any{
		"name":      name,
		"arguments": args,
		"actor":     actor,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		return Result{Error: rpcErr.Message}, nil
	}

	res := decodeResult(raw)
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
	}
	return res, nil
}

// HealthCheck sends a ping.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	_, rpcErr, err := c.call(ctx, "ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheck, err)
	}
	if rpcErr != nil {
		return fmt.Errorf("%w: %s", ErrHealthCheck, rpcErr.Message)
	}
	return nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *HTTPClient) BreakerState() CircuitState {
	return c.breaker.State()
}

// decodeResult accepts any JSON value. An object carrying a non-empty string
// "error" field is a failed action; everything else is data.
func decodeResult(raw json.RawMessage) Result {
	if len(raw) == 0 {
		return Result{Data: json.RawMessage(`null`)}
	}
	var probe struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(raw, &probe) == nil {
		switch e := probe.Error.(type) {
		case string:
			if e != "" {
				return Result{Data: raw, Error: e}
			}
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return Result{Data: raw, Error: msg}
			}
		}
	}
	return Result{Data: raw}
}

// call sends a JSON-RPC request. Transport problems are returned as err and
// count against the circuit breaker; a JSON-RPC error object is the remote
// side answering, so it does not.
func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, *jsonRPCError, error) {
	if !c.breaker.Allow() {
		return nil, nil, ErrUnavailable
	}

	raw, rpcErr, err := c.rpc(ctx, method, params)
	if err != nil {
		if ctx.Err() == nil {
			if state := c.breaker.RecordFailure(); state == CircuitOpen {
				slog.Warn("capability: circuit opened", slog.String("url", c.serverURL))
			}
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if c.breaker.RecordSuccess() != CircuitClosed {
		slog.Info("capability: circuit recovered", slog.String("url", c.serverURL))
	}
	return raw, rpcErr, nil
}

func (c *HTTPClient) rpc(ctx context.Context, method string, params any) (json.RawMessage, *jsonRPCError, error) {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// --- Circuit Breaker ---

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // reject calls until the cooldown passes
	CircuitHalfOpen                     // one probe call in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const failureThreshold = 3 // consecutive failures before opening

type circuitBreaker struct {
	state    atomic.Int32 // CircuitState
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos
	cooldown time.Duration
	now      func() time.Time
}

func newCircuitBreaker(cooldown time.Duration) *circuitBreaker {
	cb := &circuitBreaker{cooldown: cooldown, now: time.Now}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a call may go out. An open circuit lets exactly one
// probe through once the cooldown has passed.
func (cb *circuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().UnixNano()-cb.openedAt.Load() < int64(cb.cooldown) {
			return false
		}
		return cb.TryHalfOpen()
	default:
		return false
	}
}

// RecordSuccess resets failures and closes the circuit. It returns the state
// the circuit was in before.
func (cb *circuitBreaker) RecordSuccess() CircuitState {
	cb.failures.Store(0)
	return CircuitState(cb.state.Swap(int32(CircuitClosed)))
}

// RecordFailure increments failures; opens the circuit after threshold. A
// failed half-open probe reopens it immediately.
func (cb *circuitBreaker) RecordFailure() CircuitState {
	n := cb.failures.Add(1)
	if n >= int32(failureThreshold) || cb.State() == CircuitHalfOpen {
		cb.openedAt.Store(cb.now().UnixNano())
		cb.state.Store(int32(CircuitOpen))
	}
	return CircuitState(cb.state.Load())
}

// TryHalfOpen transitions from open to half-open for a probe attempt.
// Returns true if the transition succeeded.
func (cb *circuitBreaker) TryHalfOpen() bool {
	return cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
}

// ValidateURL checks that a string is a valid HTTP(S) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
