// ABOUTME: Webhook delivery worker: drains the queue in batches and POSTs signed payloads.
// ABOUTME: Failed deliveries re-enqueue with exponential backoff, up to a retry limit.

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBatchSize      = 5
	defaultPollInterval   = time.Second
	defaultMaxRetries     = 3
	defaultRequestTimeout = 10 * time.Second
)

// WorkerConfig tunes the delivery loop. Zero values take the defaults above.
type WorkerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

// Worker continuously drains the queue and delivers items as signed HTTP
// POSTs. It is a polling loop, not a blocking consumer, so a Redis-backed
// queue needs no pub/sub machinery.
type Worker struct {
	queue   Queue
	client  *http.Client
	cfg     WorkerConfig
	logger  *slog.Logger
	backoff func(retryCount int) time.Duration
	wg      sync.WaitGroup
}

// NewWorker creates a delivery worker over the queue.
func NewWorker(queue Queue, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		logger:  logger.With("component", "webhook-worker"),
		backoff: BackoffDelay,
	}
}

// BackoffDelay returns the exponential re-enqueue delay for a retry attempt:
// 2s, 4s, 8s for retry counts 0, 1, 2 at the moment of failure.
func BackoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount+1)) * time.Second
}

// Run drives the delivery loop until the context is cancelled. Blocks; run
// it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("webhook worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval.String(),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drainBatch(ctx)

		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("webhook worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// drainBatch processes up to BatchSize items from the queue.
func (w *Worker) drainBatch(ctx context.Context) {
	for i := 0; i < w.cfg.BatchSize; i++ {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			return
		}
		if item == nil {
			return
		}
		w.process(ctx, item)
	}
}

// process delivers one item and schedules a retry on failure.
func (w *Worker) process(ctx context.Context, item *Item) {
	err := w.deliver(ctx, item)
	if err == nil {
		w.logger.Debug("webhook delivered",
			"event", item.Event, "url", item.URL, "admin", item.IsAdmin)
		return
	}

	if item.RetryCount >= w.cfg.MaxRetries {
		w.logger.Error("webhook permanently failed, dropping",
			"event", item.Event, "url", item.URL, "retries", item.RetryCount, "error", err)
		return
	}

	delay := w.backoff(item.RetryCount)
	w.logger.Warn("webhook delivery failed, scheduling retry",
		"event", item.Event, "url", item.URL,
		"retry", item.RetryCount+1, "delay", delay.String(), "error", err)

	retry := *item
	retry.RetryCount++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := w.queue.Enqueue(context.WithoutCancel(ctx), &retry); err != nil {
			w.logger.Error("re-enqueue failed", "event", retry.Event, "error", err)
		}
	}()
}

// deliver POSTs the signed payload. Any transport error or non-2xx status is
// a delivery failure.
func (w *Worker) deliver(ctx context.Context, item *Item) error {
	body, err := json.Marshal(struct {
		Data json.RawMessage `json:"data"`
	}{Data: item.Payload})
	if err != nil {
		return fmt.Errorf("marshaling body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", item.Event)
	req.Header.Set("X-Webhook-Signature", Sign(body, item.Secret))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the body with the given secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
