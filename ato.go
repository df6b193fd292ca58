// Package ato is a durable span forwarder for LLM telemetry.
//
// Application code opens and closes spans; ato buffers the closed records
// in memory, coalesces them into a crash-safe queue file shared by every
// process with the same application identity, and ships them to the remote
// collector in batches with bounded retries. Records survive collector
// outages and process death; delivery is at-least-once.
//
//	tracer, err := ato.New("my-agent",
//	    ato.WithCollectorURL("https://collector.internal"),
//	    ato.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer tracer.Close(context.Background())
//
//	span := tracer.StartSpan("summarize")
//	span.SetModel("gpt-4o").SetProvider("openai")
//	span.AddTokens(812)
//	span.End()
//
// Construction is the only call that returns an error to application code.
// Everything after it — lock contention, disk trouble, collector outages —
// is logged, retried or shed according to the backpressure tiers, and never
// surfaces as a panic or error in the instrumented call path.
package ato

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/ato/internal/buffer"
	"github.com/ashita-ai/ato/internal/config"
	"github.com/ashita-ai/ato/internal/delivery"
	"github.com/ashita-ai/ato/internal/lifecycle"
	"github.com/ashita-ai/ato/internal/queue"
	"github.com/ashita-ai/ato/internal/record"
)

// Tracer is one forwarder instance. All methods are safe for concurrent use.
// Multiple Tracers (in one process or many) configured with the same
// application name share one queue file and coordinate through its lock.
type Tracer struct {
	cfg      config.Config
	logger   *slog.Logger
	queue    *queue.Queue
	buf      *buffer.Buffer
	pipe     *delivery.Pipeline
	registry *lifecycle.Registry

	mu       sync.Mutex
	open     map[*Span]struct{}
	finished []record.Span
	closed   bool

	enqueued atomic.Int64

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Tracer for the given application identity and starts its
// background flush loop. appName must be non-empty (it may also come from
// ATO_APP_NAME); it determines which queue file this tracer shares.
func New(appName string, opts ...Option) (*Tracer, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("ato: %w", err)
	}

	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	o.apply(&cfg)

	if appName != "" {
		cfg.AppName = appName
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("ato: app name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ato: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("app", cfg.AppName)

	q := queue.New(queue.PathFor(cfg.QueueDir, cfg.AppName), logger)
	t := &Tracer{
		cfg:      cfg,
		logger:   logger,
		queue:    q,
		buf:      buffer.New(q, logger, cfg.AppName, cfg.PendingMax, cfg.CoalesceDelay),
		registry: lifecycle.Default(),
		open:     make(map[*Span]struct{}),
		loopDone: make(chan struct{}),
	}
	t.pipe = delivery.New(delivery.Config{
		Store:       q,
		AppName:     cfg.AppName,
		BaseURL:     cfg.CollectorURL,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxSendAttempts,
		TTL:         cfg.QueueTTL,
		Capacity:    cfg.QueueCapacity,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
		HTTPClient:  o.httpClient,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancelLoop = cancel
	// The buffer owns its loop lifetime; Drain in Close stops it.
	t.buf.Start(context.Background())
	go t.flushLoop(loopCtx)

	t.registry.Register(t)
	if !cfg.NoExitHooks {
		t.registry.InstallSignalHooks()
	}

	logger.Debug("ato: tracer started", "queue", q.Path(), "collector", cfg.CollectorURL)
	return t, nil
}

// flushLoop periodically moves finished records toward the collector.
func (t *Tracer) flushLoop(ctx context.Context) {
	defer close(t.loopDone)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("ato: background flush incomplete", "error", err)
			}
		}
	}
}

// finish records a closed span. This is the memory backpressure tier: when
// the in-memory list exceeds its cap, the oldest excess moves straight into
// the write buffer instead of accumulating.
func (t *Tracer) finish(s *Span, rec record.Span) {
	t.enqueued.Add(1)

	t.mu.Lock()
	delete(t.open, s)
	t.finished = append(t.finished, rec)
	var overflow []record.Span
	if n := len(t.finished) - t.cfg.MaxMemorySpans; n > 0 {
		overflow = t.finished[:n]
		t.finished = append([]record.Span(nil), t.finished[n:]...)
	}
	t.mu.Unlock()

	if overflow != nil {
		t.buf.Enqueue(overflow)
	}
}

// stageFinished moves every in-memory finished record into the write buffer.
func (t *Tracer) stageFinished() {
	t.mu.Lock()
	staged := t.finished
	t.finished = nil
	t.mu.Unlock()
	t.buf.Enqueue(staged)
}

// endOpenSpans closes every still-open span. Spans cut off by shutdown never
// completed their work, so they are recorded with StatusTimeout.
func (t *Tracer) endOpenSpans() {
	t.mu.Lock()
	spans := make([]*Span, 0, len(t.open))
	for s := range t.open {
		spans = append(spans, s)
	}
	t.mu.Unlock()
	for _, s := range spans {
		s.EndWith(StatusTimeout)
	}
}

// Flush synchronously pushes everything currently held in memory to the
// queue file and runs one delivery cycle against the collector. Concurrent
// flushes coalesce. Applications rarely need this; the background loop and
// Close cover the normal paths.
func (t *Tracer) Flush(ctx context.Context) error {
	t.stageFinished()
	if err := t.buf.Flush(ctx); err != nil {
		return err
	}
	return t.pipe.Flush(ctx)
}

// Close drains the tracer: open spans are closed, buffers are forced to the
// queue file, and one delivery attempt runs, bounded by ctx or by the
// configured shutdown timeout, whichever is tighter. If the timeout elapses
// first the delivery attempt is abandoned (it may still complete in the
// background) and the records stay safe on disk for the next process.
// Close is idempotent.
func (t *Tracer) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	t.endOpenSpans()
	t.cancelLoop()
	<-t.loopDone

	t.stageFinished()
	t.buf.Drain(ctx)

	// Race the network flush against the deadline. The flush itself runs on
	// a context that survives the deadline: it must not be torn down halfway
	// through re-appending records.
	done := make(chan error, 1)
	go func() {
		done <- t.pipe.Flush(context.WithoutCancel(ctx))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.logger.Warn("ato: final flush incomplete, records remain queued", "error", err)
		}
	case <-ctx.Done():
		t.logger.Warn("ato: shutdown timeout elapsed, abandoning final flush")
	}

	t.pipe.Close()
	t.registry.Unregister(t)
	t.logger.Debug("ato: tracer closed")
	return nil
}

// DrainGraceful implements lifecycle.Instance for ordinary process exit.
func (t *Tracer) DrainGraceful(ctx context.Context) { _ = t.Close(ctx) }

// DrainLocal implements lifecycle.Instance for the signal path: open spans
// are closed and buffers forced to the queue file, with no network I/O.
func (t *Tracer) DrainLocal(ctx context.Context) {
	t.endOpenSpans()
	t.stageFinished()
	if err := t.buf.Flush(ctx); err != nil {
		t.logger.Warn("ato: signal-path drain incomplete", "error", err)
	}
}

// QueuePath returns the queue file this tracer appends to.
func (t *Tracer) QueuePath() string {
	return t.queue.Path()
}

// Stats is a point-in-time snapshot of tracer accounting.
type Stats struct {
	OpenSpans     int // spans started but not yet ended
	MemorySpans   int // closed records held in memory
	PendingWrites int // records staged in the write buffer

	Enqueued  int64 // records closed over the tracer's lifetime
	Delivered int64 // records accepted by the collector
	Restored  int64 // records returned to the queue after failed sends

	DroppedExpired int64 // dropped: queue TTL
	DroppedRotated int64 // dropped: queue capacity rotation
	DroppedBuffer  int64 // dropped: write-buffer shedding

	DeliveryFailures int64 // flush cycles that exhausted their retry budget
}

// Stats returns current accounting. Dropped counters cover all three
// backpressure tiers; a non-zero value means records were shed.
func (t *Tracer) Stats() Stats {
	t.mu.Lock()
	open, mem := len(t.open), len(t.finished)
	t.mu.Unlock()
	return Stats{
		OpenSpans:        open,
		MemorySpans:      mem,
		PendingWrites:    t.buf.Len(),
		Enqueued:         t.enqueued.Load(),
		Delivered:        t.pipe.Delivered(),
		Restored:         t.pipe.Restored(),
		DroppedExpired:   t.pipe.Expired(),
		DroppedRotated:   t.pipe.Rotated(),
		DroppedBuffer:    t.buf.Dropped(),
		DeliveryFailures: t.pipe.Failures(),
	}
}
