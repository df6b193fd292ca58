package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ato/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *Queue {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "ato-test.jsonl"), testLogger())
}

func makeSpans(n int, start time.Time) []record.Span {
	spans := make([]record.Span, n)
	for i := range spans {
		st := start.Add(time.Duration(i) * time.Second)
		end := st.Add(100 * time.Millisecond)
		dur := int64(100)
		spans[i] = record.Span{
			TraceID:   uuid.NewString(),
			SpanID:    uuid.NewString(),
			Name:      fmt.Sprintf("span-%d", i),
			StartTime: st,
			EndTime:   &end,
			Duration:  &dur,
			Status:    record.StatusSuccess,
		}
	}
	return spans
}

func TestAppendAndDrainRoundTrip(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	spans := makeSpans(5, time.Now().UTC().Add(-time.Minute))

	require.NoError(t, q.Append(ctx, spans))

	res, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, res.Spans, 5)
	assert.Zero(t, res.Expired)
	assert.Zero(t, res.Rotated)
	for i := range spans {
		assert.Equal(t, spans[i].SpanID, res.Spans[i].SpanID, "order must be preserved")
	}

	// The file must be empty afterwards.
	res2, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Empty(t, res2.Spans)
}

func TestDrainMissingFileIsEmpty(t *testing.T) {
	q := testQueue(t)
	res, err := q.DrainAll(context.Background(), time.Hour, 100)
	require.NoError(t, err)
	assert.Empty(t, res.Spans)
}

func TestDrainExpiresOldRecords(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := makeSpans(3, now.Add(-2*time.Hour))
	fresh := makeSpans(2, now.Add(-time.Minute))
	require.NoError(t, q.Append(ctx, old))
	require.NoError(t, q.Append(ctx, fresh))

	res, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Expired)
	require.Len(t, res.Spans, 2)
	for i := range fresh {
		assert.Equal(t, fresh[i].SpanID, res.Spans[i].SpanID)
	}
}

func TestDrainRotatesOverCapacity(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	spans := makeSpans(10, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, q.Append(ctx, spans))

	res, err := q.DrainAll(ctx, time.Hour, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Rotated)
	require.Len(t, res.Spans, 4)
	// The most recently written records survive; the oldest are shed.
	for i := range res.Spans {
		assert.Equal(t, spans[6+i].SpanID, res.Spans[i].SpanID)
	}
}

func TestDrainSkipsMalformedLines(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	spans := makeSpans(2, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, q.Append(ctx, spans[:1]))

	f, err := os.OpenFile(q.Path(), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("garbage{{{\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, q.Append(ctx, spans[1:]))

	res, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	require.Len(t, res.Spans, 2)
}

func TestDrainSurvivesOverlongLine(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	spans := makeSpans(4, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, q.Append(ctx, spans[:1]))

	f, err := os.OpenFile(q.Path(), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Repeat("z", 5<<20) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, q.Append(ctx, spans[1:]))

	res, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	require.Len(t, res.Spans, 4, "records written after an over-long line must not be lost")
	for i := range spans {
		assert.Equal(t, spans[i].SpanID, res.Spans[i].SpanID)
	}
}

func TestSnapshotLeavesFileIntact(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Append(ctx, makeSpans(3, time.Now().UTC())))

	spans, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, spans, 3)

	res, err := q.DrainAll(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Len(t, res.Spans, 3, "snapshot must not consume records")
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now().UTC().Add(time.Duration(w) * time.Millisecond)
			assert.NoError(t, q.Append(ctx, makeSpans(perWriter, start)))
		}()
	}
	wg.Wait()

	res, err := q.DrainAll(ctx, time.Hour, writers*perWriter)
	require.NoError(t, err)
	assert.Zero(t, res.Malformed, "interleaved writes must not corrupt the file")
	assert.Len(t, res.Spans, writers*perWriter)
}

func TestPathFor(t *testing.T) {
	p := PathFor("/tmp/queues", "My Agent/v2")
	assert.Equal(t, "/tmp/queues/ato-my-agent-v2.jsonl", p)

	// Same identity converges on the same file; temp dir is the default.
	assert.Equal(t, PathFor("", "svc"), PathFor("", "svc"))
	assert.Contains(t, PathFor("", "svc"), os.TempDir())
}
