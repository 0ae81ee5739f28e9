// Request tracing: W3C traceparent in, one span per request, batched
// export. The invoke path annotates its span with billing attributes so
// a trace ties an HTTP request to the money it moved.
package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// TraceID is a 128-bit trace identifier.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// SpanID is a 64-bit span identifier.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

func newTraceID() TraceID {
	var id TraceID
	_, _ = rand.Read(id[:])
	return id
}

func newSpanID() SpanID {
	var id SpanID
	_, _ = rand.Read(id[:])
	return id
}

// SpanContext holds trace propagation data.
type SpanContext struct {
	TraceID  TraceID
	SpanID   SpanID
	ParentID SpanID
	Sampled  bool
}

// Span is one traced operation.
type Span struct {
	mu         sync.Mutex
	Name       string
	Context    SpanContext
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]string
	StatusCode string // "OK", "ERROR", "UNSET"
	finished   bool
}

// SetAttribute adds a key-value attribute to the span.
func (s *Span) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes[key] = value
}

// SetStatus sets the span's status code.
func (s *Span) SetStatus(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusCode = code
}

// ParseTraceparent extracts trace context from a W3C traceparent header:
// version-traceid-spanid-flags.
func ParseTraceparent(header string) (*SpanContext, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return nil, fmt.Errorf("malformed traceparent %q", header)
	}
	var sc SpanContext
	tid, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sid, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	copy(sc.TraceID[:], tid)
	copy(sc.ParentID[:], sid)
	sc.Sampled = strings.HasSuffix(parts[3], "1")
	return &sc, nil
}

// FormatTraceparent renders a span context as a traceparent header value.
func FormatTraceparent(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID, sc.SpanID, flags)
}

// SpanExporter receives finished spans in batches.
type SpanExporter interface {
	Export(spans []*Span) error
	Shutdown() error
}

// Tracer starts spans and exports them on a flush interval.
type Tracer struct {
	logger     zerolog.Logger
	exporter   SpanExporter
	sampleRate float64

	mu      sync.Mutex
	pending []*Span
	stop    chan struct{}
	done    chan struct{}
}

// NewTracer constructs a Tracer. sampleRate in [0,1] decides what share
// of fresh traces is recorded; propagated traces keep their flag.
func NewTracer(logger zerolog.Logger, exporter SpanExporter, sampleRate float64) *Tracer {
	t := &Tracer{
		logger:     logger.With().Str("component", "tracer").Logger(),
		exporter:   exporter,
		sampleRate: sampleRate,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.flushLoop()
	return t
}

func (t *Tracer) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			t.flush()
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Tracer) sampled() bool {
	if t.sampleRate >= 1 {
		return true
	}
	if t.sampleRate <= 0 {
		return false
	}
	var b [1]byte
	_, _ = rand.Read(b[:])
	return float64(b[0])/255.0 < t.sampleRate
}

// StartSpan begins a span, continuing parent's trace when given.
func (t *Tracer) StartSpan(name string, parent *SpanContext) *Span {
	sc := SpanContext{SpanID: newSpanID()}
	if parent != nil {
		sc.TraceID = parent.TraceID
		sc.ParentID = parent.ParentID
		sc.Sampled = parent.Sampled
	} else {
		sc.TraceID = newTraceID()
		sc.Sampled = t.sampled()
	}
	return &Span{
		Name:       name,
		Context:    sc,
		StartTime:  time.Now().UTC(),
		Attributes: make(map[string]string),
		StatusCode: "UNSET",
	}
}

// EndSpan finishes the span and queues it for export if sampled.
func (t *Tracer) EndSpan(span *Span) {
	span.mu.Lock()
	if !span.finished {
		span.EndTime = time.Now().UTC()
		span.finished = true
	}
	sampled := span.Context.Sampled
	span.mu.Unlock()
	if !sampled {
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, span)
	t.mu.Unlock()
}

func (t *Tracer) flush() {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := t.exporter.Export(batch); err != nil {
		t.logger.Error().Err(err).Int("spans", len(batch)).Msg("span export failed")
	}
}

// Shutdown flushes pending spans and stops the flush loop.
func (t *Tracer) Shutdown() {
	close(t.stop)
	<-t.done
	_ = t.exporter.Shutdown()
}

// LogExporter writes spans as structured log entries; the development
// default.
type LogExporter struct {
	logger zerolog.Logger
}

func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("component", "span_export").Logger()}
}

func (e *LogExporter) Export(spans []*Span) error {
	for _, s := range spans {
		s.mu.Lock()
		ev := e.logger.Info().
			Str("trace_id", s.Context.TraceID.String()).
			Str("span_id", s.Context.SpanID.String()).
			Str("name", s.Name).
			Dur("duration", s.EndTime.Sub(s.StartTime)).
			Str("status", s.StatusCode)
		for k, v := range s.Attributes {
			ev = ev.Str(k, v)
		}
		s.mu.Unlock()
		ev.Msg("span")
	}
	return nil
}

func (e *LogExporter) Shutdown() error { return nil }

type spanContextKey struct{}

// SpanFromContext returns the request's span, nil when tracing is off.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanContextKey{}).(*Span)
	return s
}

// ContextWithSpan attaches a span to ctx.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// TracingMiddleware opens one span per request, honoring an inbound
// traceparent, and exposes the trace id in the response headers.
func TracingMiddleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var parent *SpanContext
			if tp := r.Header.Get("Traceparent"); tp != "" {
				if sc, err := ParseTraceparent(tp); err == nil {
					parent = sc
				}
			}
			span := tracer.StartSpan(r.Method+" "+r.URL.Path, parent)
			span.SetAttribute("http.method", r.Method)
			span.SetAttribute("http.path", r.URL.Path)
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				span.SetAttribute("lattice.request_id", reqID)
			}
			w.Header().Set("X-Lattice-Trace-ID", span.Context.TraceID.String())

			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r.WithContext(ContextWithSpan(r.Context(), span)))

			span.SetAttribute("http.status", fmt.Sprintf("%d", rw.Status()))
			if rw.Status() >= 500 {
				span.SetStatus("ERROR")
			} else {
				span.SetStatus("OK")
			}
			tracer.EndSpan(span)
		})
	}
}
