package telemetry_test

import (
	"context"
	"testing"

	"go2tv.app/telestrator/internal/telemetry"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	for _, opts := range []telemetry.Options{
		{},
		{Enabled: true},
		{Endpoint: "http://localhost:4318"},
	} {
		shutdown, err := telemetry.Setup(context.Background(), opts)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", opts, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable, nothing is exported before shutdown.
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		Enabled:  true,
		Endpoint: "http://192.0.2.1:4318",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
