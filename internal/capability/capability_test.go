package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

// rpcServer answers JSON-RPC calls with handle(method, params).
func rpcServer(t *testing.T, handle func(method string, params map[string]any) (any, *jsonRPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string, ttl time.Duration) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(config.CapabilitiesConfig{URL: url, Timeout: 5 * time.Second, ListTTL: ttl})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestInvoke_SendsActorAndReturnsData(t *testing.T) {
	var gotParams map[string]any
	srv := rpcServer(t, func(method string, params map[string]any) (any, *jsonRPCError) {
		if method != "capabilities/invoke" {
			t.Errorf("method = %s", method)
		}
		gotParams = params
		return map[string]any{"matters": []string{"M-1"}}, nil
	})
	c := newClient(t, srv.URL, time.Minute)

	res, err := c.Invoke(context.Background(), "search_matters", map[string]any{"q": "acme"},
		Actor{OwnerID: "u1", FirmID: "f1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if gotParams["name"] != "search_matters" {
		t.Errorf("name = %v", gotParams["name"])
	}
	actor, _ := gotParams["actor"].(map[string]any)
	if actor["owner_id"] != "u1" || actor["firm_id"] != "f1" {
		t.Errorf("actor = %v", gotParams["actor"])
	}
	if string(res.Data) == "" {
		t.Error("empty data")
	}
}

func TestInvoke_StructuredErrorIsResult(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]any) (any, *jsonRPCError) {
		return map[string]any{"error": "matter not found"}, nil
	})
	c := newClient(t, srv.URL, time.Minute)

	res, err := c.Invoke(context.Background(), "get_matter", nil, Actor{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error != "matter not found" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestInvoke_RPCErrorIsResultNotBreakerFailure(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]any) (any, *jsonRPCError) {
		return nil, &jsonRPCError{Code: -32601, Message: "unknown capability"}
	})
	c := newClient(t, srv.URL, time.Minute)

	for i := 0; i < failureThreshold+1; i++ {
		res, err := c.Invoke(context.Background(), "nope", nil, Actor{})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if res.Error != "unknown capability" {
			t.Fatalf("error = %q", res.Error)
		}
	}
	if c.BreakerState() != CircuitClosed {
		t.Errorf("breaker = %v, want closed", c.BreakerState())
	}
}

func TestInvoke_TransportFailuresOpenCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv.URL, time.Minute)

	for i := 0; i < failureThreshold; i++ {
		if _, err := c.Invoke(context.Background(), "x", nil, Actor{}); !errors.Is(err, ErrTransport) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if _, err := c.Invoke(context.Background(), "x", nil, Actor{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestList_CachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(method string, _ map[string]any) (any, *jsonRPCError) {
		calls.Add(1)
		return map[string]any{"capabilities": []Definition{{Name: "search", Description: "find"}}}, nil
	})
	c := newClient(t, srv.URL, time.Hour)

	for i := 0; i < 3; i++ {
		defs, err := c.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(defs) != 1 || defs[0].Name != "search" {
			t.Fatalf("defs = %+v", defs)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("registry called %d times, want 1", calls.Load())
	}
}

func TestList_ServesStaleOnRefreshFailure(t *testing.T) {
	var fail atomic.Bool
	srv := rpcServer(t, func(string, map[string]any) (any, *jsonRPCError) {
		if fail.Load() {
			return nil, &jsonRPCError{Code: -32000, Message: "boom"}
		}
		return map[string]any{"capabilities": []Definition{{Name: "a"}}}, nil
	})
	c := newClient(t, srv.URL, 0)

	if _, err := c.List(context.Background()); err != nil {
		t.Fatalf("first List: %v", err)
	}
	fail.Store(true)
	defs, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("second List: %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("defs = %+v", defs)
	}
}

func TestBreaker_CooldownAllowsOneProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newCircuitBreaker(10 * time.Second)
	cb.now = func() time.Time { return now }

	for i := 0; i < failureThreshold; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("open circuit allowed a call before cooldown")
	}
	now = now.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe not allowed after cooldown")
	}
	if cb.Allow() {
		t.Fatal("second probe allowed while half-open")
	}
	if cb.RecordFailure() != CircuitOpen {
		t.Fatal("failed probe should reopen")
	}
}

func TestHandleList(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]any) (any, *jsonRPCError) {
		return map[string]any{"capabilities": []Definition{{Name: "create_time_entry"}}}, nil
	})
	h := NewHandler(newClient(t, srv.URL, time.Minute))

	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/capabilities", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body listResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Name != "create_time_entry" {
		t.Errorf("body = %+v", body)
	}
}
