package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "patchbench"

var (
	attrRunID        = attribute.Key("bench.run.id")
	attrImage        = attribute.Key("bench.image")
	attrInstance     = attribute.Key("bench.instance_id")
	attrPatchApplied = attribute.Key("bench.patch_applied")
	attrRatio        = attribute.Key("bench.ratio")
	attrDurationMS   = attribute.Key("bench.duration_ms")
	attrState        = attribute.Key("bench.submission.state")
)

// Tracer opens the spans for benchmark runs, image pulls and submissions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider installed by SetupTracing.
func NewTracer() *Tracer {
	return NewTracerFrom(otel.GetTracerProvider())
}

func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// RunSummary is what a finished run adds to its span.
type RunSummary struct {
	PatchApplied bool
	Duration     time.Duration
	Ratio        *float64
	Err          error
}

// StartRun opens the "bench.run" span. Callers end it after FinishRun.
func (t *Tracer) StartRun(ctx context.Context, runID, image, instanceID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attrRunID.String(runID), attrImage.String(image)}
	if instanceID != "" {
		attrs = append(attrs, attrInstance.String(instanceID))
	}
	return t.tracer.Start(ctx, "bench.run", trace.WithAttributes(attrs...))
}

// FinishRun records the run's result on span.
func FinishRun(span trace.Span, s RunSummary) {
	span.SetAttributes(
		attrPatchApplied.Bool(s.PatchApplied),
		attrDurationMS.Int64(s.Duration.Milliseconds()),
	)
	if s.Ratio != nil {
		span.SetAttributes(attrRatio.Float64(*s.Ratio))
	}
	Fail(span, s.Err)
}

func (t *Tracer) StartImage(ctx context.Context, image string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "bench.ensure_image", trace.WithAttributes(attrImage.String(image)))
}

func (t *Tracer) StartSubmission(ctx context.Context, instanceID, image string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "bench.submit", trace.WithAttributes(
		attrInstance.String(instanceID),
		attrImage.String(image),
	))
}

// FinishSubmission tags span with the outcome state. A non-empty failure
// marks the span as errored.
func FinishSubmission(span trace.Span, state, failure string) {
	span.SetAttributes(attrState.String(state))
	if failure != "" {
		span.SetStatus(codes.Error, failure)
	}
}

// Fail records err on span. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
