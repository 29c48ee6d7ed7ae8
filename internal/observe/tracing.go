package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("topicmap/pipeline")

// StartStage opens a span for one pipeline stage. Without a registered
// provider the global tracer is a no-op.
func StartStage(ctx context.Context, runID, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "topicmap."+stage, trace.WithAttributes(
		attribute.String("topicmap.run.id", runID),
		attribute.String("topicmap.stage", stage),
	))
}

// EndStage records the stage outcome on span and ends it.
func EndStage(span trace.Span, err error, attrs ...attribute.KeyValue) {
	defer span.End()
	if len(attrs) > 0 {
		span.AddEvent("stage.result", trace.WithAttributes(attrs...))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
