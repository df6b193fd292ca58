// Package delivery reads the durable queue and ships span records to the
// remote collector.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/ato/internal/queue"
	"github.com/ashita-ai/ato/internal/record"
	"github.com/ashita-ai/ato/internal/telemetry"
)

// IngestPath is the collector route span batches are POSTed to.
const IngestPath = "/ai-tracer"

// Store is the durable queue the pipeline drains and, on failure, restores
// to. *queue.Queue satisfies it.
type Store interface {
	DrainAll(ctx context.Context, ttl time.Duration, capacity int) (queue.DrainResult, error)
	Append(ctx context.Context, spans []record.Span) error
}

// Config holds the settings needed to construct a Pipeline.
type Config struct {
	Store       Store
	AppName     string        // application identity, tags metric observations
	BaseURL     string        // collector base URL, without the ingest path
	BatchSize   int           // records per POST
	MaxAttempts int           // send attempts per batch before giving up
	TTL         time.Duration // record time-to-live applied at drain
	Capacity    int           // queue capacity applied at drain
	Timeout     time.Duration // per-request HTTP timeout
	Logger      *slog.Logger
	HTTPClient  *http.Client // optional; defaults to a client with Timeout
}

// Pipeline delivers queued records to the collector with bounded retries.
// Concurrent Flush calls coalesce into a single in-flight cycle.
type Pipeline struct {
	store       Store
	app         string
	client      *http.Client
	endpoint    string
	batchSize   int
	maxAttempts int
	ttl         time.Duration
	capacity    int
	logger      *slog.Logger

	group      singleflight.Group
	metricsReg metric.Registration

	delivered atomic.Int64
	restored  atomic.Int64
	failures  atomic.Int64
	expired   atomic.Int64
	rotated   atomic.Int64
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	p := &Pipeline{
		store:       cfg.Store,
		app:         cfg.AppName,
		client:      client,
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + IngestPath,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		ttl:         cfg.TTL,
		capacity:    cfg.Capacity,
		logger:      logger,
	}
	p.registerMetrics()
	return p
}

// Flush drains the queue file and sends everything to the collector.
//
// The drain happens under one lease; sends happen with no lease held. Each
// batch retries with exponential backoff up to the attempt budget. If a batch
// still fails, it and every batch after it are re-appended to the queue under
// a fresh lease, so a drained-but-unsent record is never lost (at-least-once).
// Calls made while a flush is already in flight share its result.
func (p *Pipeline) Flush(ctx context.Context) error {
	_, err, _ := p.group.Do("flush", func() (any, error) {
		return nil, p.flush(ctx)
	})
	return err
}

func (p *Pipeline) flush(ctx context.Context) error {
	res, err := p.store.DrainAll(ctx, p.ttl, p.capacity)
	if err != nil {
		return fmt.Errorf("delivery: drain: %w", err)
	}
	p.expired.Add(int64(res.Expired))
	p.rotated.Add(int64(res.Rotated))

	spans := res.Spans
	if len(spans) == 0 {
		return nil
	}

	sent := 0
	for start := 0; start < len(spans); start += p.batchSize {
		end := min(start+p.batchSize, len(spans))
		if err := p.send(ctx, spans[start:end]); err != nil {
			p.failures.Add(1)
			p.restore(ctx, spans[start:])
			return fmt.Errorf("delivery: send batch of %d: %w", end-start, err)
		}
		// Count per batch: earlier batches of a cycle that fails midway were
		// still accepted by the collector.
		p.delivered.Add(int64(end - start))
		sent += end - start
	}

	p.logger.Info("delivery: flushed", "records", sent, "batches", (sent+p.batchSize-1)/p.batchSize)
	return nil
}

// send POSTs one batch, retrying transient failures with exponential backoff
// until the attempt budget is spent.
func (p *Pipeline) send(ctx context.Context, batch []record.Span) error {
	attempts := uint64(1)
	if p.maxAttempts > 1 {
		attempts = uint64(p.maxAttempts)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts-1), ctx)
	return backoff.Retry(func() error {
		return p.post(ctx, batch)
	}, bo)
}

func (p *Pipeline) post(ctx context.Context, batch []record.Span) error {
	body, err := json.Marshal(batch)
	if err != nil {
		// Unserializable records can never succeed; don't burn retries.
		return backoff.Permanent(fmt.Errorf("marshal batch: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", p.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("collector returned %s", resp.Status)
	// 4xx (except 429) will not improve with retrying.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}

// restore re-appends unsent records to the queue under a fresh lease. If even
// that fails the records are gone; that is the one loss boundary on this
// path, and it is logged loudly.
func (p *Pipeline) restore(ctx context.Context, spans []record.Span) {
	if err := p.store.Append(ctx, spans); err != nil {
		p.logger.Error("delivery: restore to queue failed, records lost", "error", err, "records", len(spans))
		return
	}
	p.restored.Add(int64(len(spans)))
	p.logger.Warn("delivery: collector unreachable, records returned to queue", "records", len(spans))
}

// Delivered returns the total records accepted by the collector.
func (p *Pipeline) Delivered() int64 { return p.delivered.Load() }

// Restored returns the total records returned to the queue after failed sends.
func (p *Pipeline) Restored() int64 { return p.restored.Load() }

// Failures returns the number of flush cycles that exhausted their retry budget.
func (p *Pipeline) Failures() int64 { return p.failures.Load() }

// Expired returns the total records dropped by TTL expiry at drain time.
func (p *Pipeline) Expired() int64 { return p.expired.Load() }

// Rotated returns the total records dropped by capacity rotation at drain time.
func (p *Pipeline) Rotated() int64 { return p.rotated.Load() }

// registerMetrics publishes the pipeline's counters on the global meter. All
// observations carry the app attribute so concurrent pipelines (host tracer,
// tests, tooling) produce distinct streams; Close removes the callback.
func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("ato/delivery")

	delivered, _ := meter.Int64ObservableCounter("ato.delivery.delivered_total",
		metric.WithDescription("Total records accepted by the collector"))
	dropped, _ := meter.Int64ObservableCounter("ato.delivery.dropped_total",
		metric.WithDescription("Total records dropped by TTL expiry or capacity rotation"))
	failures, _ := meter.Int64ObservableCounter("ato.delivery.failures_total",
		metric.WithDescription("Total flush cycles that exhausted their retry budget"))

	attrs := metric.WithAttributes(telemetry.AppKey.String(p.app))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(delivered, p.Delivered(), attrs)
		o.ObserveInt64(dropped, p.Expired()+p.Rotated(), attrs)
		o.ObserveInt64(failures, p.Failures(), attrs)
		return nil
	}, delivered, dropped, failures)
	if err != nil {
		p.logger.Warn("delivery: metric registration failed", "error", err)
		return
	}
	p.metricsReg = reg
}

// Close removes the pipeline's metric callback from the global meter. Safe to
// call more than once.
func (p *Pipeline) Close() {
	if p.metricsReg != nil {
		_ = p.metricsReg.Unregister()
	}
}
