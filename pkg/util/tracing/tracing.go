// Package tracing wraps opentracing-go behind the narrow shape the
// primary write/sync pipeline needs: start a span for one client
// operation, tag it, finish it. With no tracer registered via
// opentracing.SetGlobalTracer, every call is a cheap no-op.
package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"
)

// Span wraps one opentracing.Span for the duration of a single pipeline
// operation (write, sync, read, delete).
type Span struct {
	span opentracing.Span
}

// StartSpan starts name as a child of any span already carried on ctx,
// returning the derived context so nested calls (peer fan-out) pick it
// up automatically.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, name)
	return spanCtx, &Span{span: span}
}

func (s *Span) SetTag(key string, val interface{}) *Span {
	s.span.SetTag(key, val)
	return s
}

// Finish closes the span, tagging it with err if the operation failed.
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.SetTag("error", true)
		s.span.LogKV("error.message", err.Error())
	}
	s.span.Finish()
}
