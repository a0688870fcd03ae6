package emission

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obligate/fabric/pkg/receipt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	return cfg
}

func TestEmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), fastConfig())
	rec := &receipt.Receipt{ReceiptID: "r1", Phase: receipt.PhaseAccepted}

	id, err := c.Emit(context.Background(), "tenant-1", "key", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "r1" {
		t.Fatalf("expected r1, got %s", id)
	}
	if c.QueueSize() != 0 {
		t.Fatalf("expected empty queue, got %d", c.QueueSize())
	}
}

func TestEmitDuplicateTreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), fastConfig())
	rec := &receipt.Receipt{ReceiptID: "r2", Phase: receipt.PhaseAccepted}

	id, err := c.Emit(context.Background(), "tenant-1", "key", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "r2" {
		t.Fatalf("expected r2, got %s", id)
	}
}

func TestEmitValidationFailsFastNoEnqueue(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), fastConfig())
	rec := &receipt.Receipt{ReceiptID: "r3", Phase: receipt.PhaseAccepted}

	_, err := c.Emit(context.Background(), "tenant-1", "key", rec)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one attempt (fail fast), got %d", calls)
	}
	if c.QueueSize() != 0 {
		t.Fatalf("expected no enqueue on validation failure, got queue size %d", c.QueueSize())
	}
}

func TestEmitExhaustionEnqueues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	c := NewClient(srv.URL, testLogger(), cfg)
	rec := &receipt.Receipt{ReceiptID: "r4", Phase: receipt.PhaseAccepted}

	_, err := c.Emit(context.Background(), "tenant-1", "key", rec)
	if err == nil {
		t.Fatal("expected emission failure")
	}
	if _, ok := err.(*ErrEmissionFailed); !ok {
		t.Fatalf("expected *ErrEmissionFailed, got %T: %v", err, err)
	}
	if c.QueueSize() != 1 {
		t.Fatalf("expected one queued receipt, got %d", c.QueueSize())
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.QueueCapacity = 2
	cfg.MaxAttempts = 1
	c := NewClient(srv.URL, testLogger(), cfg)

	for i := 0; i < 3; i++ {
		rec := &receipt.Receipt{ReceiptID: "overflow", Phase: receipt.PhaseAccepted}
		_, _ = c.Emit(context.Background(), "tenant-1", "key", rec)
	}

	if c.QueueSize() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", c.QueueSize())
	}
}

func TestDrainOnceRequeuesUnderMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.MaxRetries = 3
	cfg.DrainBatch = 10
	c := NewClient(srv.URL, testLogger(), cfg)

	rec := &receipt.Receipt{ReceiptID: "r5", Phase: receipt.PhaseAccepted}
	_, _ = c.Emit(context.Background(), "tenant-1", "key", rec)
	if c.QueueSize() != 1 {
		t.Fatalf("expected item queued, got %d", c.QueueSize())
	}

	c.drainOnce(context.Background())
	if c.QueueSize() != 1 {
		t.Fatalf("expected item re-queued after failed drain, got %d", c.QueueSize())
	}
}

func TestDrainOnceGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.MaxRetries = 1
	c := NewClient(srv.URL, testLogger(), cfg)

	rec := &receipt.Receipt{ReceiptID: "r6", Phase: receipt.PhaseAccepted}
	_, _ = c.Emit(context.Background(), "tenant-1", "key", rec)

	c.drainOnce(context.Background())
	if c.QueueSize() != 0 {
		t.Fatalf("expected give-up (no requeue) after max retries, got queue size %d", c.QueueSize())
	}
}
