package capability

import (
	"encoding/json"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Feature: amplifier-go-backend, Property 3: Circuit breaker state transitions
// After failureThreshold consecutive transport failures the circuit is open,
// and a successful probe in half-open state closes it again.
func TestPropertyCircuitBreakerStateTransitions(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cb := newCircuitBreaker(time.Minute)

		if cb.State() != CircuitClosed {
			rt.Fatalf("initial state should be closed, got %v", cb.State())
		}

		prefailures := rapid.IntRange(0, failureThreshold-1).Draw(rt, "prefailures")
		for i := 0; i < prefailures; i++ {
			cb.RecordFailure()
		}
		if cb.State() != CircuitClosed {
			rt.Fatalf("after %d failures (< threshold %d), state should be closed, got %v",
				prefailures, failureThreshold, cb.State())
		}

		cb.RecordSuccess()
		for i := 0; i < failureThreshold; i++ {
			cb.RecordFailure()
		}
		if cb.State() != CircuitOpen {
			rt.Fatalf("after %d consecutive failures, state should be open, got %v",
				failureThreshold, cb.State())
		}

		if !cb.TryHalfOpen() {
			rt.Fatal("TryHalfOpen should succeed from open state")
		}
		if cb.TryHalfOpen() {
			rt.Fatal("TryHalfOpen should fail from half-open state")
		}

		if prev := cb.RecordSuccess(); prev != CircuitHalfOpen {
			rt.Fatalf("RecordSuccess should report half-open as previous state, got %v", prev)
		}
		if cb.State() != CircuitClosed {
			rt.Fatalf("after success in half-open, state should be closed, got %v", cb.State())
		}
		if cb.failures.Load() != 0 {
			rt.Fatalf("failures should be 0 after recovery, got %d", cb.failures.Load())
		}
	})
}

// Feature: amplifier-go-backend, Property 4: Registry URL validation
// Only http(s) URLs with a host are accepted.
func TestPropertyRegistryURLValidation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		host := rapid.StringMatching(`[a-z]{3,10}\.[a-z]{2,5}`).Draw(rt, "host")
		switch rapid.SampledFrom([]string{"http", "https", "no_scheme", "bad_scheme", "no_host"}).Draw(rt, "strategy") {
		case "http":
			if err := ValidateURL("http://" + host + "/rpc"); err != nil {
				rt.Fatalf("valid URL rejected: %v", err)
			}
		case "https":
			if err := ValidateURL("https://" + host); err != nil {
				rt.Fatalf("valid URL rejected: %v", err)
			}
		case "no_scheme":
			if ValidateURL(host+"/rpc") == nil {
				rt.Fatal("URL without scheme accepted")
			}
		case "bad_scheme":
			scheme := rapid.SampledFrom([]string{"ftp", "ws", "file", "ssh"}).Draw(rt, "scheme")
			if ValidateURL(scheme+"://"+host) == nil {
				rt.Fatalf("scheme %q accepted", scheme)
			}
		case "no_host":
			if ValidateURL("https://") == nil {
				rt.Fatal("URL without host accepted")
			}
		}
	})
}

// Feature: amplifier-go-backend, Property 5: Result error detection
// A result object is a failure iff it carries a non-empty "error" string.
func TestPropertyResultErrorDetection(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := map[string]any{
			"id": rapid.IntRange(1, 1000).Draw(rt, "id"),
		}
		msg := rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, "msg")
		withError := rapid.Bool().Draw(rt, "with_error")
		if withError {
			payload["error"] = msg
		}
		raw, _ := json.Marshal(payload)

		res := decodeResult(raw)
		want := withError && msg != ""
		if res.Failed() != want {
			rt.Fatalf("decodeResult(%s).Failed() = %v, want %v", raw, res.Failed(), want)
		}
		if want && res.Error != msg {
			rt.Fatalf("error = %q, want %q", res.Error, msg)
		}
	})
}
