package ato

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ato/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCollector accepts /ai-tracer batches and remembers every record.
type fakeCollector struct {
	mu      sync.Mutex
	records []record.Span
	delay   time.Duration
}

func (f *fakeCollector) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		var batch []record.Span
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records = append(f.records, batch...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeCollector) received() []record.Span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Span(nil), f.records...)
}

func newTestTracer(t *testing.T, fc *fakeCollector, opts ...Option) *Tracer {
	t.Helper()
	srv := httptest.NewServer(fc.handler())
	t.Cleanup(srv.Close)

	base := []Option{
		WithCollectorURL(srv.URL),
		WithQueueDir(t.TempDir()),
		WithLogger(testLogger()),
		WithCoalesceDelay(5 * time.Millisecond),
		WithFlushInterval(time.Hour), // tests drive flushes explicitly
		WithMaxSendAttempts(1),
		WithoutExitHooks(),
	}
	tracer, err := New(t.Name(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Close(context.Background()) })
	return tracer
}

func TestNewRequiresAppName(t *testing.T) {
	_, err := New("", WithoutExitHooks(), WithLogger(testLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app name is required")
}

func TestRoundTrip(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	for range 7 {
		span := tracer.StartSpan("work")
		span.SetModel("gpt-4o").SetProvider("openai").AddTokens(10).AddCost(0.001)
		span.End()
	}

	require.NoError(t, tracer.Flush(context.Background()))

	got := fc.received()
	require.Len(t, got, 7, "collector observes exactly what was enqueued")
	assert.Equal(t, "gpt-4o", got[0].Model)
	assert.Equal(t, record.StatusSuccess, got[0].Status)

	// Queue file ends empty.
	data, err := os.ReadFile(tracer.QueuePath())
	if err == nil {
		assert.Empty(t, strings.TrimSpace(string(data)))
	}

	stats := tracer.Stats()
	assert.Equal(t, int64(7), stats.Enqueued)
	assert.Equal(t, int64(7), stats.Delivered)
	assert.Zero(t, stats.DroppedBuffer+stats.DroppedExpired+stats.DroppedRotated)
}

func TestChildSpansShareTrace(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	root := tracer.StartSpan("root")
	child := root.StartChild("child")
	child.End()
	root.End()

	require.NoError(t, tracer.Flush(context.Background()))

	got := fc.received()
	require.Len(t, got, 2)
	byName := map[string]record.Span{got[0].Name: got[0], got[1].Name: got[1]}
	assert.Equal(t, byName["root"].TraceID, byName["child"].TraceID)
	require.NotNil(t, byName["child"].ParentID)
	assert.Equal(t, byName["root"].SpanID, *byName["child"].ParentID)
	assert.Nil(t, byName["root"].ParentID)
}

func TestEndIsIdempotent(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	span := tracer.StartSpan("once")
	span.End()
	span.End()
	span.Fail()

	assert.Equal(t, int64(1), tracer.Stats().Enqueued)
}

func TestFailSetsErrorStatus(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	tracer.StartSpan("broken").Fail()
	require.NoError(t, tracer.Flush(context.Background()))

	got := fc.received()
	require.Len(t, got, 1)
	assert.Equal(t, record.StatusError, got[0].Status)
}

func TestInputOutputTruncated(t *testing.T) {
	t.Setenv("ATO_MAX_FIELD_BYTES", "16")
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	span := tracer.StartSpan("chatty")
	span.SetInput(strings.Repeat("a", 100))
	span.SetOutput("tiny")
	span.End()

	require.NoError(t, tracer.Flush(context.Background()))

	got := fc.received()
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0].Input, record.TruncationMarker))
	assert.Len(t, got[0].Input, 16+len(record.TruncationMarker))
	assert.Equal(t, "tiny", got[0].Output)
}

func TestMemoryBackpressureSpillsToBuffer(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc,
		WithMaxMemorySpans(3),
		WithCoalesceDelay(time.Hour), // keep the spill visible in the buffer
	)

	for range 10 {
		tracer.StartSpan("burst").End()
	}

	stats := tracer.Stats()
	assert.Equal(t, int64(10), stats.Enqueued)
	assert.Equal(t, 3, stats.MemorySpans, "memory tier stays at its cap")
	assert.Equal(t, 7, stats.PendingWrites, "overflow moves to the write buffer")
}

func TestCloseFlushesEverything(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)

	open := tracer.StartSpan("interrupted")
	_ = open // left open on purpose
	tracer.StartSpan("done").End()

	require.NoError(t, tracer.Close(context.Background()))

	got := fc.received()
	require.Len(t, got, 2)
	byName := map[string]record.Span{got[0].Name: got[0], got[1].Name: got[1]}
	assert.Equal(t, record.StatusTimeout, byName["interrupted"].Status,
		"spans cut off by shutdown are closed with timeout status")
	assert.Equal(t, record.StatusSuccess, byName["done"].Status)
}

func TestCloseIdempotent(t *testing.T) {
	fc := &fakeCollector{}
	tracer := newTestTracer(t, fc)
	require.NoError(t, tracer.Close(context.Background()))
	require.NoError(t, tracer.Close(context.Background()))
}

func TestShutdownBoundedByTimeout(t *testing.T) {
	fc := &fakeCollector{delay: 5 * time.Second}
	tracer := newTestTracer(t, fc,
		WithShutdownTimeout(200*time.Millisecond),
		WithRequestTimeout(10*time.Second),
	)

	tracer.StartSpan("slow-delivery").End()

	start := time.Now()
	require.NoError(t, tracer.Close(context.Background()))
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*time.Second,
		"a stuck collector must not delay process exit past the shutdown timeout")
}

func TestCrashedDeliveryRecoversOnNextFlush(t *testing.T) {
	fc := &fakeCollector{}
	srv := httptest.NewServer(fc.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	opts := func(url string) []Option {
		return []Option{
			WithCollectorURL(url),
			WithQueueDir(dir),
			WithLogger(testLogger()),
			WithCoalesceDelay(5 * time.Millisecond),
			WithFlushInterval(time.Hour),
			WithMaxSendAttempts(1),
			WithoutExitHooks(),
		}
	}

	// First tracer points at a dead endpoint: records end up durable on disk.
	dead, err := New("recovery", opts("http://127.0.0.1:1")...)
	require.NoError(t, err)
	dead.StartSpan("survivor").End()
	_ = dead.Flush(context.Background()) // delivery fails; record restored to queue
	require.NoError(t, dead.Close(context.Background()))

	// A fresh tracer with the same identity finds and delivers them.
	alive, err := New("recovery", opts(srv.URL)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alive.Close(context.Background()) })
	require.NoError(t, alive.Flush(context.Background()))

	got := fc.received()
	require.Len(t, got, 1)
	assert.Equal(t, "survivor", got[0].Name)
}
