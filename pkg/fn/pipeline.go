package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Stage is one step of a pipeline.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Pipeline runs stages in order, feeding each the previous value. It stops
// at the first failed or halted Result, and before any stage once ctx is
// done.
func Pipeline[T any](stages ...Stage[T, T]) Stage[T, T] {
	return func(ctx context.Context, v T) Result[T] {
		r := Ok(v)
		for _, stage := range stages {
			if r.out != succeeded {
				break
			}
			if err := ctx.Err(); err != nil {
				return Err[T](err)
			}
			r = stage(ctx, r.val)
		}
		return r
	}
}

// MapStage lifts a plain function into a Stage that never fails.
func MapStage[In, Out any](f func(In) Out) Stage[In, Out] {
	return func(_ context.Context, in In) Result[Out] { return Ok(f(in)) }
}

var tracer = otel.Tracer("github.com/WessleyAI/captionstore/pkg/fn")

// TracedStage runs stage inside a span called name. Failures mark the span
// as errored; a Halt sets the halted attribute.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := tracer.Start(ctx, name)
		defer span.End()
		r := stage(ctx, in)
		switch {
		case r.IsErr():
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		case r.Halted():
			span.SetAttributes(attribute.Bool("halted", true))
		}
		return r
	}
}
