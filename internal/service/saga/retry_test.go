package saga

import (
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, log.New().WithField("test", t.Name()))
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute("op", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %d", cb.State())
	}

	// Открытый breaker отсекает вызов, не исполняя операцию.
	called := false
	err := cb.Execute("op", func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("operation must not run while circuit is open")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, log.New().WithField("test", t.Name()))
	boom := errors.New("boom")

	if err := cb.Execute("op", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %d", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// После reset timeout одна успешная проба закрывает breaker.
	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed, got %d", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(3, 10*time.Millisecond, log.New().WithField("test", t.Name()))
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute("op", func() error { return boom })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %d", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute("op", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("failed probe must reopen circuit, got %d", cb.State())
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 100*time.Millisecond || cfg.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected delays: %+v", cfg)
	}
	if cfg.BackoffFactor != 2.0 {
		t.Fatalf("unexpected backoff factor: %f", cfg.BackoffFactor)
	}
}
