package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := Setup(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := otel.GetTracerProvider(); got != prev {
		t.Error("Setup replaced the global provider despite empty endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown: %v", err)
	}
}

func TestSetupRegistersGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "localhost:4318",
		Environment: "development",
		ServiceName: "beacon-test",
	}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := otel.GetTracerProvider(); got == prev {
		t.Error("Setup did not register a tracer provider")
	}

	// No collector is listening; shutdown still has to return once the
	// flush deadline passes.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
