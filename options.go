package ato

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/ato/internal/config"
)

// Option configures a Tracer. Options override values loaded from the
// environment.
type Option func(*resolvedOptions)

// resolvedOptions holds option state before it is applied to the config.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger     *slog.Logger
	httpClient *http.Client

	collectorURL    string
	queueDir        string
	batchSize       int
	maxSendAttempts int
	requestTimeout  time.Duration
	coalesceDelay   time.Duration
	pendingMax      int
	maxMemorySpans  int
	queueCapacity   int
	queueCapSet     bool
	queueTTL        time.Duration
	flushInterval   time.Duration
	shutdownTimeout time.Duration
	noExitHooks     bool
}

func (o *resolvedOptions) apply(cfg *config.Config) {
	if o.collectorURL != "" {
		cfg.CollectorURL = o.collectorURL
	}
	if o.queueDir != "" {
		cfg.QueueDir = o.queueDir
	}
	if o.batchSize > 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.maxSendAttempts > 0 {
		cfg.MaxSendAttempts = o.maxSendAttempts
	}
	if o.requestTimeout > 0 {
		cfg.RequestTimeout = o.requestTimeout
	}
	if o.coalesceDelay > 0 {
		cfg.CoalesceDelay = o.coalesceDelay
	}
	if o.pendingMax > 0 {
		cfg.PendingMax = o.pendingMax
	}
	if o.maxMemorySpans > 0 {
		cfg.MaxMemorySpans = o.maxMemorySpans
	}
	if o.queueCapSet {
		cfg.QueueCapacity = o.queueCapacity
	}
	if o.queueTTL > 0 {
		cfg.QueueTTL = o.queueTTL
	}
	if o.flushInterval > 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.shutdownTimeout > 0 {
		cfg.ShutdownTimeout = o.shutdownTimeout
	}
	if o.noExitHooks {
		cfg.NoExitHooks = true
	}
}

// WithLogger sets the structured logger. If not set, slog.Default is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithCollectorURL overrides the collector base URL (ATO_COLLECTOR_URL).
func WithCollectorURL(url string) Option {
	return func(o *resolvedOptions) { o.collectorURL = url }
}

// WithQueueDir overrides the directory holding queue files (ATO_QUEUE_DIR).
// Defaults to the host's shared temp directory so that separate processes
// with the same app name converge on one file.
func WithQueueDir(dir string) Option {
	return func(o *resolvedOptions) { o.queueDir = dir }
}

// WithHTTPClient replaces the delivery HTTP client. Useful for custom
// transports and for tests; the client's own timeout then governs requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithBatchSize overrides records per POST (ATO_BATCH_SIZE).
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithMaxSendAttempts overrides delivery attempts per batch (ATO_MAX_SEND_ATTEMPTS).
func WithMaxSendAttempts(n int) Option {
	return func(o *resolvedOptions) { o.maxSendAttempts = n }
}

// WithRequestTimeout overrides the per-request HTTP timeout (ATO_REQUEST_TIMEOUT).
func WithRequestTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.requestTimeout = d }
}

// WithCoalesceDelay overrides the write-buffer coalescing delay (ATO_COALESCE_DELAY).
func WithCoalesceDelay(d time.Duration) Option {
	return func(o *resolvedOptions) { o.coalesceDelay = d }
}

// WithPendingMax overrides the write-buffer cap (ATO_PENDING_MAX). Exceeding
// it flushes to the queue file immediately instead of waiting out the delay.
func WithPendingMax(n int) Option {
	return func(o *resolvedOptions) { o.pendingMax = n }
}

// WithMaxMemorySpans overrides the in-memory closed-record cap
// (ATO_MAX_MEMORY_SPANS). Exceeding it moves the oldest records to the
// write buffer.
func WithMaxMemorySpans(n int) Option {
	return func(o *resolvedOptions) { o.maxMemorySpans = n }
}

// WithQueueCapacity overrides the on-disk record cap (ATO_QUEUE_CAPACITY).
// Zero disables rotation.
func WithQueueCapacity(n int) Option {
	return func(o *resolvedOptions) { o.queueCapacity = n; o.queueCapSet = true }
}

// WithQueueTTL overrides the record time-to-live (ATO_QUEUE_TTL). Records
// older than this at drain time are dropped, not delivered.
func WithQueueTTL(d time.Duration) Option {
	return func(o *resolvedOptions) { o.queueTTL = d }
}

// WithFlushInterval overrides the background flush interval (ATO_FLUSH_INTERVAL).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithShutdownTimeout overrides the graceful-exit flush bound (ATO_SHUTDOWN_TIMEOUT).
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.shutdownTimeout = d }
}

// WithoutExitHooks disables automatic signal-hook installation
// (ATO_NO_EXIT_HOOKS), for embedding contexts that manage their own
// lifecycle. The caller then owns calling Close.
func WithoutExitHooks() Option {
	return func(o *resolvedOptions) { o.noExitHooks = true }
}
