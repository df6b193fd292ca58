// Package queue implements the durable on-disk span queue.
//
// One queue file exists per application identity, in the host's shared
// temporary storage, so every process with the same identity converges on the
// same file. The file is an append-only sequence of line-delimited JSON
// records, guarded by a lock-file arbiter; whenever no writer holds the lock
// the file parses cleanly end to end.
//
// Records enter in per-process flush order. No ordering is guaranteed across
// processes sharing a file: two processes racing may interleave their batches
// in either physical order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashita-ai/ato/internal/lockfile"
	"github.com/ashita-ai/ato/internal/record"
)

// Queue is a handle on one queue file. Safe for concurrent use; all
// cross-goroutine and cross-process coordination goes through the lock file.
type Queue struct {
	path   string
	logger *slog.Logger
	lock   lockfile.Options
}

// New returns a handle on the queue file at path.
func New(path string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{path: path, logger: logger}
}

// PathFor derives the queue file path for an application identity. The
// mapping is deterministic so that separate processes configured with the
// same identity share one file. dir defaults to the host temp directory.
func PathFor(dir, appName string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "ato-"+sanitize(appName)+".jsonl")
}

// sanitize maps an application identity to a safe file name fragment.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// Path returns the queue file path.
func (q *Queue) Path() string {
	return q.path
}

// Append serializes spans and appends them to the queue file under one lease,
// creating the file if absent. The lease covers only the local write; it is
// never held across network calls.
func (q *Queue) Append(ctx context.Context, spans []record.Span) error {
	if len(spans) == 0 {
		return nil
	}
	lease, err := lockfile.AcquireWith(ctx, q.path, q.lock)
	if err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	defer lease.Release()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derives from validated config
	if err != nil {
		return fmt.Errorf("queue: open %s: %w", q.path, err)
	}
	if err := record.EncodeLines(f, spans); err != nil {
		_ = f.Close()
		return fmt.Errorf("queue: append %d spans: %w", len(spans), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("queue: close after append: %w", err)
	}
	return nil
}

// Snapshot reads every parsable record under one lease without emptying the
// file. Intended for inspection tooling; the delivery path uses DrainAll.
func (q *Queue) Snapshot(ctx context.Context) ([]record.Span, error) {
	lease, err := lockfile.AcquireWith(ctx, q.path, q.lock)
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}
	defer lease.Release()

	f, err := os.Open(q.path) //nolint:gosec // path derives from validated config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", q.path, err)
	}
	defer func() { _ = f.Close() }()
	spans, _ := record.DecodeLines(f)
	return spans, nil
}

// DrainResult is the outcome of one DrainAll: the retained spans plus
// accounting for everything shed along the way.
type DrainResult struct {
	Spans     []record.Span
	Expired   int // dropped: older than TTL at drain time
	Rotated   int // dropped: oldest excess over capacity
	Malformed int // dropped: unparsable lines
}

// DrainAll reads every record under one lease, applies TTL expiry and
// capacity rotation, empties the file, and returns the retained records.
//
// A record whose age exceeds ttl is discarded. If more than capacity records
// remain, only the most recent capacity are retained (oldest dropped first).
// ttl <= 0 disables expiry; capacity <= 0 disables rotation. A missing file
// is an empty queue, not an error. If emptying the file fails the records
// stay on disk and an error is returned, so no drained record is ever lost
// to a partial truncate.
func (q *Queue) DrainAll(ctx context.Context, ttl time.Duration, capacity int) (DrainResult, error) {
	lease, err := lockfile.AcquireWith(ctx, q.path, q.lock)
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: drain: %w", err)
	}
	defer lease.Release()

	f, err := os.Open(q.path) //nolint:gosec // path derives from validated config
	if errors.Is(err, os.ErrNotExist) {
		return DrainResult{}, nil
	}
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: open %s: %w", q.path, err)
	}
	spans, malformed := record.DecodeLines(f)
	_ = f.Close()

	res := DrainResult{Malformed: malformed}
	if malformed > 0 {
		q.logger.Warn("queue: skipped malformed records", "path", q.path, "count", malformed)
	}

	now := time.Now().UTC()
	if ttl > 0 {
		kept := spans[:0]
		for i := range spans {
			if spans[i].Age(now) > ttl {
				res.Expired++
				continue
			}
			kept = append(kept, spans[i])
		}
		spans = kept
	}
	if capacity > 0 && len(spans) > capacity {
		res.Rotated = len(spans) - capacity
		spans = spans[len(spans)-capacity:]
	}
	if res.Expired > 0 || res.Rotated > 0 {
		q.logger.Warn("queue: dropped records during drain",
			"path", q.path, "expired", res.Expired, "rotated", res.Rotated)
	}

	if err := os.Truncate(q.path, 0); err != nil {
		return DrainResult{}, fmt.Errorf("queue: truncate %s: %w", q.path, err)
	}

	res.Spans = spans
	return res, nil
}
