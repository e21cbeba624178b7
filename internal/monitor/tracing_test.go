package monitor

import (
	"context"
	"testing"

	"patchbench/internal/config"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupTracing_Enabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Endpoint: "127.0.0.1:4318",
		Sample:   0.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, span := NewTracer().StartRun(context.Background(), "run-1", "img", "")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording provider to produce valid span contexts")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
