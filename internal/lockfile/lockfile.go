// Package lockfile provides cross-process mutual exclusion on a shared file
// via a sidecar lock file.
//
// Multiple processes (and multiple tracer instances inside one process) may
// target the same queue file; they coordinate purely through this lock, with
// no shared-memory synchronization. The lock is a file created with
// O_CREATE|O_EXCL next to the guarded path. A holder that crashes leaves the
// lock file behind; it is reclaimed once its mtime passes the staleness
// horizon.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrLockTimeout is returned when a lease could not be obtained within the
// retry budget. Callers recover by rescheduling their operation; the error
// is never surfaced to application code.
var ErrLockTimeout = errors.New("lockfile: acquire timed out")

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = 5 * time.Millisecond
	defaultMaxDelay    = 250 * time.Millisecond
	defaultStaleAfter  = 10 * time.Second
)

// Options tunes the acquire loop. The zero value selects the defaults.
type Options struct {
	MaxAttempts int           // attempts before ErrLockTimeout
	BaseDelay   time.Duration // first backoff delay; doubles per attempt
	MaxDelay    time.Duration // backoff cap
	StaleAfter  time.Duration // lock files older than this are reclaimed
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	return o
}

// Lease is an exclusive hold on a path. Release is idempotent.
type Lease struct {
	lockPath string
	released atomic.Bool
}

// Acquire obtains an exclusive lease on path using default options.
func Acquire(ctx context.Context, path string) (*Lease, error) {
	return AcquireWith(ctx, path, Options{})
}

// AcquireWith obtains an exclusive lease on path. It retries with jittered
// exponential backoff and reclaims stale lock files left by crashed holders.
// Returns ErrLockTimeout (wrapped) when the attempt budget is exhausted.
func AcquireWith(ctx context.Context, path string, opts Options) (*Lease, error) {
	opts = opts.withDefaults()
	lockPath := path + ".lock"
	delay := opts.BaseDelay

	for attempt := range opts.MaxAttempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path derives from the guarded file
		if err == nil {
			// Owner pid is advisory, for humans inspecting a wedged queue.
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return &Lease{lockPath: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lockfile: create %s: %w", lockPath, err)
		}

		// Held by someone else. Reclaim if past the staleness horizon and
		// retry immediately; racing reclaimers are safe because the O_EXCL
		// create above still decides the winner.
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > opts.StaleAfter {
			_ = os.Remove(lockPath)
			continue
		}

		if attempt == opts.MaxAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay = min(delay*2, opts.MaxDelay)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, lockPath, opts.MaxAttempts)
}

// Release drops the lease. Safe to call more than once, and safe even if the
// lock file was already removed (for example by a stale reclaim after the
// holder stalled past the horizon).
func (l *Lease) Release() {
	if l == nil || l.released.Swap(true) {
		return
	}
	_ = os.Remove(l.lockPath)
}
