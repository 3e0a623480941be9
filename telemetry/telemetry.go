// Package telemetry defines the minimal tracing seam the bootstrap core
// calls through (spec.md §1: the telemetry span wrapper is an external
// collaborator, named but out of scope). The core only ever needs a span
// to start, end, and annotate — never the exporter behind it.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Span brackets one traced operation, the way the teacher brackets a
// SQLite transaction with explicit BEGIN/COMMIT/ROLLBACK — here generalized
// to "begin an operation, annotate it, end it" instead of a transaction.
type Span interface {
	SetAttr(key string, value any)
	End(err error)
}

// Tracer starts spans. The production implementation (out of scope here)
// would export to a real tracing backend; NewSlogTracer below is the
// structured-logging stand-in this package ships.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

type slogTracer struct {
	logger *slog.Logger
}

// NewSlogTracer returns a Tracer that logs span start/end through logger
// instead of exporting to a real backend. A nil logger discards all span
// output.
func NewSlogTracer(logger *slog.Logger) Tracer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &slogTracer{logger: logger}
}

func (t *slogTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	started := time.Now()
	t.logger.InfoContext(ctx, "span.start", "name", name)
	return ctx, &slogSpan{logger: t.logger, name: name, started: started}
}

type slogSpan struct {
	logger  *slog.Logger
	name    string
	started time.Time
	attrs   []any
}

func (s *slogSpan) SetAttr(key string, value any) {
	s.attrs = append(s.attrs, key, value)
}

func (s *slogSpan) End(err error) {
	fields := append([]any{"name", s.name, "duration_ms", time.Since(s.started).Milliseconds()}, s.attrs...)
	if err != nil {
		fields = append(fields, "error", err.Error())
		s.logger.Error("span.end", fields...)
		return
	}
	s.logger.Info("span.end", fields...)
}
