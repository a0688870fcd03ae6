// Package emission implements the Emission Client (C2): a bounded-retry
// HTTP emitter that couples any receipt-producing component to the ledger,
// with an in-process overflow queue and a background drain worker so a
// ledger partition never silently drops audit.
package emission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/obligate/fabric/pkg/receipt"
)

// ErrEmissionFailed is returned when the foreground retry loop exhausts its
// attempts. The receipt has been queued for background drain by this point;
// the caller decides whether to surface failure to its own caller.
type ErrEmissionFailed struct {
	ReceiptID string
}

func (e *ErrEmissionFailed) Error() string {
	return fmt.Sprintf("emission_failed: receipt %s queued for background retry", e.ReceiptID)
}

// Config tunes the client's retry and drain behavior. Field names mirror
// the spec's R, base backoff, Q, T, B, R_max constants.
type Config struct {
	MaxAttempts   int           // R
	BackoffBase   time.Duration // base, doubled per attempt
	QueueCapacity int           // Q
	DrainInterval time.Duration // T
	DrainBatch    int           // B
	MaxRetries    int           // R_max
	HTTPTimeout   time.Duration
}

// DefaultConfig returns the constants named in the emission protocol.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		QueueCapacity: 1000,
		DrainInterval: 60 * time.Second,
		DrainBatch:    10,
		MaxRetries:    10,
		HTTPTimeout:   10 * time.Second,
	}
}

type queuedReceipt struct {
	tenantID   string
	apiKey     string
	rec        *receipt.Receipt
	queuedAt   time.Time
	retryCount int
}

// Client emits receipts to the ledger with bounded foreground retries and a
// background drain queue for whatever doesn't make it through.
type Client struct {
	ledgerBaseURL string
	httpClient    *http.Client
	logger        *slog.Logger
	cfg           Config

	mu    sync.Mutex
	queue []queuedReceipt

	emittedCounter func(phase, outcome string)
	queueDepth     func(n int)
}

// Option configures optional hooks on a Client.
type Option func(*Client)

// WithMetrics wires optional counters/gauges; both may be nil.
func WithMetrics(emitted func(phase, outcome string), depth func(n int)) Option {
	return func(c *Client) {
		c.emittedCounter = emitted
		c.queueDepth = depth
	}
}

// NewClient creates an emission Client targeting ledgerBaseURL.
func NewClient(ledgerBaseURL string, logger *slog.Logger, cfg Config, opts ...Option) *Client {
	c := &Client{
		ledgerBaseURL: ledgerBaseURL,
		httpClient:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:        logger,
		cfg:           cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit attempts to append rec to the ledger on behalf of tenantID, using
// apiKey as the fabric's internal service credential (authn.HeaderInternalKey)
// alongside an explicit tenant claim — this client is the coordinator's own
// receipt producer, not an external caller with a tenant API key of its own.
// On exhaustion it enqueues the receipt for background drain and returns
// *ErrEmissionFailed.
func (c *Client) Emit(ctx context.Context, tenantID, apiKey string, rec *receipt.Receipt) (string, error) {
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		status, err := c.post(ctx, tenantID, apiKey, rec)
		switch {
		case err == nil && status == http.StatusConflict:
			c.recordEmitted(rec, "duplicate")
			return rec.ReceiptID, nil
		case err == nil && (status == http.StatusOK || status == http.StatusCreated):
			c.recordEmitted(rec, "success")
			return rec.ReceiptID, nil
		case err == nil && (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity):
			// Validation failure: fail fast, no enqueue.
			c.recordEmitted(rec, "validation_failed")
			return "", fmt.Errorf("receipt validation failed with status %d", status)
		default:
			c.logger.Warn("emission attempt failed",
				"receipt_id", rec.ReceiptID, "attempt", attempt+1, "status", status, "error", err)
		}

		if attempt < c.cfg.MaxAttempts-1 {
			backoff := c.cfg.BackoffBase * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.enqueue(tenantID, apiKey, rec)
	c.recordEmitted(rec, "queued")
	return "", &ErrEmissionFailed{ReceiptID: rec.ReceiptID}
}

func (c *Client) recordEmitted(rec *receipt.Receipt, outcome string) {
	if c.emittedCounter != nil {
		c.emittedCounter(string(rec.Phase), outcome)
	}
}

func (c *Client) post(ctx context.Context, tenantID, apiKey string, rec *receipt.Receipt) (int, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding receipt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ledgerBaseURL+"/receipts", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fabric-Internal-Key", apiKey)
	req.Header.Set("X-Fabric-Tenant-ID", tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// enqueue pushes a receipt onto the bounded overflow deque, dropping the
// oldest entry if at capacity.
func (c *Client) enqueue(tenantID, apiKey string, rec *receipt.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.cfg.QueueCapacity {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.logger.Warn("emission overflow queue full, dropping oldest", "receipt_id", dropped.rec.ReceiptID)
	}

	c.queue = append(c.queue, queuedReceipt{
		tenantID: tenantID,
		apiKey:   apiKey,
		rec:      rec,
		queuedAt: time.Now(),
	})
	c.reportDepth()
}

func (c *Client) reportDepth() {
	if c.queueDepth != nil {
		c.queueDepth(len(c.queue))
	}
}

// QueueSize reports the current overflow queue depth, for monitoring.
func (c *Client) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// RunDrainLoop runs the background drain worker until ctx is cancelled:
// every DrainInterval it processes up to DrainBatch items, re-enqueueing
// ones whose retry count is still under MaxRetries and discarding the rest.
func (c *Client) RunDrainLoop(ctx context.Context) {
	c.logger.Info("emission drain loop started", "interval", c.cfg.DrainInterval)
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("emission drain loop stopped")
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

func (c *Client) drainOnce(ctx context.Context) {
	batch := c.takeBatch()
	if len(batch) == 0 {
		return
	}
	c.logger.Info("processing queued receipts", "count", len(batch))

	for _, item := range batch {
		item.retryCount++

		status, err := c.post(ctx, item.tenantID, item.apiKey, item.rec)
		if err == nil && (status == http.StatusOK || status == http.StatusCreated || status == http.StatusConflict) {
			c.logger.Info("queued receipt emitted", "receipt_id", item.rec.ReceiptID, "retry_count", item.retryCount)
			continue
		}

		if item.retryCount < c.cfg.MaxRetries {
			c.requeue(item)
			c.logger.Warn("retry failed, re-queued", "receipt_id", item.rec.ReceiptID, "retry_count", item.retryCount, "status", status, "error", err)
		} else {
			c.logger.Error("giving up on receipt after max retries", "receipt_id", item.rec.ReceiptID, "error", err)
		}
	}
	c.mu.Lock()
	c.reportDepth()
	c.mu.Unlock()
}

func (c *Client) takeBatch() []queuedReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.cfg.DrainBatch
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := make([]queuedReceipt, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	return batch
}

func (c *Client) requeue(item queuedReceipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, item)
}
