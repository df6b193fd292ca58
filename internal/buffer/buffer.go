// Package buffer implements the coalescing write buffer in front of the
// queue file.
//
// Many logical enqueue calls are grouped into one physical append: records
// accumulate in memory and a background loop writes them under a single
// lease once the coalescing delay elapses, or immediately when the pending
// list exceeds its cap. This amortizes lock acquisitions across bursts.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ato/internal/lockfile"
	"github.com/ashita-ai/ato/internal/record"
	"github.com/ashita-ai/ato/internal/telemetry"
)

// maxPendingCapacity is the hard upper limit on pending records. When a
// lock-busy retry would push the pending list past this, the re-merged batch
// is dropped instead; unbounded growth would otherwise OOM the host app.
const maxPendingCapacity = 100_000

// maxRetryDelay caps the backoff applied after consecutive lock-busy flushes.
const maxRetryDelay = 2 * time.Second

// Appender is the durable destination for flushed batches. *queue.Queue
// satisfies it.
type Appender interface {
	Append(ctx context.Context, spans []record.Span) error
}

// Buffer accumulates closed spans in memory and flushes them to the queue
// file when either the pending cap or the coalescing delay is reached.
type Buffer struct {
	sink       Appender
	logger     *slog.Logger
	app        string
	maxPending int
	delay      time.Duration

	metricsReg metric.Registration

	mu         sync.Mutex
	pending    []record.Span
	lockStreak int // consecutive lock-busy flush failures

	dropped atomic.Int64 // records dropped at this tier

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// New creates a write buffer in front of sink. app tags metric observations.
func New(sink Appender, logger *slog.Logger, app string, maxPending int, delay time.Duration) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sink:       sink,
		logger:     logger,
		app:        app,
		maxPending: maxPending,
		delay:      delay,
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Enqueue adds closed spans to the pending list. The records are written to
// disk by the next coalesced flush; if the pending list now exceeds its cap,
// a flush is kicked immediately instead of waiting out the delay.
func (b *Buffer) Enqueue(spans []record.Span) {
	if len(spans) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, spans...)
	kick := len(b.pending) >= b.maxPending
	b.mu.Unlock()

	if kick {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain();
			// ctx itself is already cancelled.
			if b.drainCtx != nil {
				_ = b.Flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = b.Flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flushOnce(ctx)
		case <-b.flushCh:
			b.flushOnce(ctx)
		}
	}
}

// flushOnce flushes unless a lock-busy backoff window is still open.
func (b *Buffer) flushOnce(ctx context.Context) {
	b.mu.Lock()
	streak := b.lockStreak
	b.mu.Unlock()
	if streak > 0 {
		// A retry kick is already scheduled by the failed flush; periodic
		// ticks in between would defeat its backoff.
		return
	}
	_ = b.Flush(ctx)
}

// Flush takes a snapshot of the pending list and appends it to the queue
// file under one lease acquisition.
//
// On a lock-busy failure the snapshot is re-merged so no record is lost and
// a retry is scheduled with exponential backoff. Any other I/O error drops
// the batch: the queue file is unwritable and retrying indefinitely would
// just pin memory.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	err := b.sink.Append(ctx, batch)
	if err == nil {
		b.mu.Lock()
		b.lockStreak = 0
		b.mu.Unlock()
		return nil
	}

	if !errors.Is(err, lockfile.ErrLockTimeout) {
		b.dropped.Add(int64(len(batch)))
		b.logger.Error("buffer: dropping batch, queue append failed", "error", err, "batch_size", len(batch))
		return err
	}

	b.mu.Lock()
	if len(b.pending)+len(batch) > maxPendingCapacity {
		b.dropped.Add(int64(len(batch)))
		b.lockStreak = 0
		b.mu.Unlock()
		b.logger.Error("buffer: dropping batch, pending list at capacity after lock timeout", "dropped", len(batch))
		return err
	}
	b.pending = append(batch, b.pending...)
	b.lockStreak++
	retryIn := b.retryDelay(b.lockStreak)
	b.mu.Unlock()

	b.logger.Warn("buffer: queue file busy, rescheduling flush", "retry_in", retryIn, "pending", len(batch))
	time.AfterFunc(retryIn, func() {
		b.mu.Lock()
		b.lockStreak = 0
		b.mu.Unlock()
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	})
	return err
}

// retryDelay doubles per consecutive lock-busy failure, jittered and capped.
// Callers must hold b.mu.
func (b *Buffer) retryDelay(streak int) time.Duration {
	d := b.delay
	for range streak - 1 {
		d = min(d*2, maxRetryDelay)
	}
	jitter := time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and is passed to the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("buffer: drain timed out waiting for flush loop")
	}
	if b.metricsReg != nil {
		_ = b.metricsReg.Unregister()
	}
}

// Len returns the current number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the total records dropped at this tier. A non-zero value
// indicates data loss.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// registerMetrics publishes the buffer's instruments, tagged by app so
// concurrent buffers produce distinct streams. Drain removes the callback.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("ato/buffer")

	pending, _ := meter.Int64ObservableGauge("ato.buffer.pending",
		metric.WithDescription("Current number of records in the write buffer"))
	dropped, _ := meter.Int64ObservableGauge("ato.buffer.dropped_total",
		metric.WithDescription("Total records dropped by the write buffer"))

	attrs := metric.WithAttributes(telemetry.AppKey.String(b.app))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pending, int64(b.Len()), attrs)
		o.ObserveInt64(dropped, b.Dropped(), attrs)
		return nil
	}, pending, dropped)
	if err != nil {
		b.logger.Warn("buffer: metric registration failed", "error", err)
		return
	}
	b.metricsReg = reg
}
