// Package obs provides the ambient logging and tracing surface for swimd.
//
// It deliberately hand-rolls a lightweight span tracker instead of pulling in
// the OpenTelemetry SDK, the same call the teacher's observability package
// makes ("In production, this would wrap OpenTelemetry SDK"). Protocol
// events (probes, acks, suspicions, deaths, gossip traffic) are counted via
// prometheus/client_golang the way the teacher instruments its scheduler and
// region-routing layers.
package obs

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Logger is a minimal leveled, field-structured logger. Subscriber callback
// failures and transport errors are logged through it rather than escaping
// (spec §7).
type Logger struct {
	level Level
	out   *log.Logger
}

// NewLogger constructs a Logger at the given level, writing to stderr.
func NewLogger(level Level) *Logger {
	return &Logger{level: level, out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) logf(level Level, msg string, fields map[string]any) {
	if l == nil || level < l.level {
		return
	}
	l.out.Printf("[%s] %s%s", level, msg, formatFields(fields))
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.logf(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.logf(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.logf(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.logf(LevelError, msg, fields) }

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for k, v := range fields {
		out += fmt.Sprintf(" %s=%v", k, v)
	}
	return out
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanProbe
	SpanGossip
)

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents one unit of protocol work: a probe cycle, an indirect
// ping fan-out, an anti-entropy round.
type Span struct {
	ID        string
	Operation string
	Kind      SpanKind
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    SpanStatus
	Attrs     map[string]string
}

// TracerConfig configures the Tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int
}

func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 1000}
}

// Tracer retains recently-completed spans in a bounded ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
	counter  atomic.Int64
}

func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span. Callers must call EndSpan when done.
func (t *Tracer) StartSpan(kind SpanKind, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		ID:        t.nextID(),
		Operation: operation,
		Kind:      kind,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

func (t *Tracer) nextID() string {
	n := t.counter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// EndSpan completes and records span, evicting the oldest if at capacity.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of up to limit most-recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}
