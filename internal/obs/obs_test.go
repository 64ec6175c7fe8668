package obs

import (
	"context"
	"testing"
)

func TestInit_DisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
		t.Fatal("noop provider must still expose tracer, meter, and instruments")
	}

	// Instruments on the noop provider must be callable without panicking.
	p.Metrics.JobsDispatched.Add(context.Background(), 1)
	p.Metrics.ClaimDuration.Record(context.Background(), 0.01)
	p.Metrics.ActiveJobs.Add(context.Background(), 1)
	p.Metrics.ActiveJobs.Add(context.Background(), -1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	ctx, span := p.Tracer.Start(context.Background(), "test.span")
	span.End()
	_ = ctx

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
