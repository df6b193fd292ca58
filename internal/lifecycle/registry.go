// Package lifecycle coordinates draining of tracer instances at process exit.
//
// The registry is an explicit object: tracers register on construction and
// unregister on Close, and the embedding application decides whether signal
// hooks are installed at all. Nothing happens as a side effect of package
// initialization.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// localDrainTimeout bounds the disk-only drain performed on a termination
// signal. Signal handling must never block on network I/O, and even local
// writes get a hard ceiling so a wedged filesystem cannot stall termination.
const localDrainTimeout = 2 * time.Second

// Instance is a tracer registered for coordinated shutdown.
type Instance interface {
	// DrainGraceful closes open spans, forces buffers to the queue file, and
	// attempts one network flush, all bounded by ctx.
	DrainGraceful(ctx context.Context)

	// DrainLocal closes open spans and forces buffers to the queue file.
	// It performs no network I/O.
	DrainLocal(ctx context.Context)
}

// Registry tracks live tracer instances and drains them on process exit.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	instances map[Instance]struct{}

	hookOnce sync.Once
	sigCh    chan os.Signal
	stopCh   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		instances: make(map[Instance]struct{}),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(slog.Default())
	})
	return defaultRegistry
}

// Register adds an instance. Idempotent.
func (r *Registry) Register(i Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[i] = struct{}{}
}

// Unregister removes an instance. Idempotent.
func (r *Registry) Unregister(i Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, i)
}

func (r *Registry) snapshot() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for i := range r.instances {
		out = append(out, i)
	}
	return out
}

// DrainGraceful drains every registered instance with the network step,
// bounded by ctx. Used on ordinary process exit, where brief blocking is
// tolerable.
func (r *Registry) DrainGraceful(ctx context.Context) {
	for _, i := range r.snapshot() {
		i.DrainGraceful(ctx)
	}
}

// DrainLocal drains every registered instance without touching the network.
// Used from the signal path.
func (r *Registry) DrainLocal(ctx context.Context) {
	for _, i := range r.snapshot() {
		i.DrainLocal(ctx)
	}
}

// InstallSignalHooks starts a goroutine that, on SIGINT or SIGTERM, performs
// a disk-only drain of all registered instances and then re-raises the signal
// so the default termination proceeds. Installing more than once is a no-op.
func (r *Registry) InstallSignalHooks() {
	r.hookOnce.Do(func() {
		r.sigCh = make(chan os.Signal, 1)
		r.stopCh = make(chan struct{})
		signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go r.watchSignals()
	})
}

func (r *Registry) watchSignals() {
	select {
	case sig := <-r.sigCh:
		r.logger.Info("lifecycle: termination signal, writing buffers to queue file", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), localDrainTimeout)
		r.DrainLocal(ctx)
		cancel()

		// Restore default disposition and re-deliver so the process dies
		// with the conventional exit status for this signal.
		signal.Stop(r.sigCh)
		if s, ok := sig.(syscall.Signal); ok {
			_ = syscall.Kill(os.Getpid(), s)
		}
	case <-r.stopCh:
		signal.Stop(r.sigCh)
	}
}

// Close stops the signal watcher, if one was installed. Registered instances
// are left untouched.
func (r *Registry) Close() {
	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
}
