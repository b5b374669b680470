package otelutil

import (
	"context"
	"testing"

	"github.com/dkeye/jamsync/internal/config"
)

func TestInitWithoutExporterIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	shutdown()
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Stdout: true, ServiceName: "jamsync-test"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	shutdown()
}
