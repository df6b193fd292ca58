package ato

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ato/internal/record"
)

// Status is the terminal status of a span.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Span is a named, timed unit of work. A span is open until End (or a
// variant) is called; only closed spans enter the durable queue. Setters
// return the span for chaining and are safe for concurrent use, though a
// span is normally owned by one goroutine.
type Span struct {
	tracer *Tracer

	traceID  uuid.UUID
	spanID   uuid.UUID
	parentID *uuid.UUID
	start    time.Time

	mu       sync.Mutex
	ended    bool
	name     string
	tokens   int
	cost     float64
	model    string
	provider string
	input    string
	output   string
	metadata map[string]any
}

// StartSpan opens a root span of a new trace. The span exists only in memory
// until it ends.
func (t *Tracer) StartSpan(name string) *Span {
	s := &Span{
		tracer:  t,
		traceID: uuid.New(),
		spanID:  uuid.New(),
		start:   time.Now().UTC(),
		name:    name,
	}
	t.track(s)
	return s
}

// StartChild opens a child span within the same trace.
func (s *Span) StartChild(name string) *Span {
	parent := s.spanID
	child := &Span{
		tracer:   s.tracer,
		traceID:  s.traceID,
		spanID:   uuid.New(),
		parentID: &parent,
		start:    time.Now().UTC(),
		name:     name,
	}
	s.tracer.track(child)
	return child
}

func (t *Tracer) track(s *Span) {
	t.mu.Lock()
	if !t.closed {
		t.open[s] = struct{}{}
	}
	t.mu.Unlock()
}

// SetModel records the model identifier used for this span's work.
func (s *Span) SetModel(model string) *Span {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return s
}

// SetProvider records the upstream provider.
func (s *Span) SetProvider(provider string) *Span {
	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()
	return s
}

// AddTokens accumulates token usage.
func (s *Span) AddTokens(n int) *Span {
	s.mu.Lock()
	s.tokens += n
	s.mu.Unlock()
	return s
}

// AddCost accumulates monetary cost.
func (s *Span) AddCost(c float64) *Span {
	s.mu.Lock()
	s.cost += c
	s.mu.Unlock()
	return s
}

// SetInput records the (already sanitized) input text. It is truncated at
// the configured capture limit with an explicit marker.
func (s *Span) SetInput(input string) *Span {
	s.mu.Lock()
	s.input = record.Truncate(input, s.tracer.cfg.MaxFieldBytes)
	s.mu.Unlock()
	return s
}

// SetOutput records the (already sanitized) output text, truncated like SetInput.
func (s *Span) SetOutput(output string) *Span {
	s.mu.Lock()
	s.output = record.Truncate(output, s.tracer.cfg.MaxFieldBytes)
	s.mu.Unlock()
	return s
}

// SetMetadata attaches one metadata key. Values must be JSON-serializable.
func (s *Span) SetMetadata(key string, value any) *Span {
	s.mu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.mu.Unlock()
	return s
}

// End closes the span with StatusSuccess.
func (s *Span) End() {
	s.EndWith(StatusSuccess)
}

// Fail closes the span with StatusError.
func (s *Span) Fail() {
	s.EndWith(StatusError)
}

// EndWith closes the span with the given status and hands the record to the
// tracer. Ending twice is a no-op.
func (s *Span) EndWith(status Status) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true

	end := time.Now().UTC()
	duration := end.Sub(s.start).Milliseconds()
	rec := record.Span{
		TraceID:   s.traceID.String(),
		SpanID:    s.spanID.String(),
		Name:      s.name,
		StartTime: s.start,
		EndTime:   &end,
		Duration:  &duration,
		Tokens:    s.tokens,
		Cost:      s.cost,
		Model:     s.model,
		Provider:  s.provider,
		Input:     s.input,
		Output:    s.output,
		Status:    record.Status(status),
		Metadata:  s.metadata,
	}
	if s.parentID != nil {
		pid := s.parentID.String()
		rec.ParentID = &pid
	}
	s.mu.Unlock()

	s.tracer.finish(s, rec)
}

// TraceID returns the trace identifier shared by this span's trace tree.
func (s *Span) TraceID() string { return s.traceID.String() }

// SpanID returns this span's identifier.
func (s *Span) SpanID() string { return s.spanID.String() }
