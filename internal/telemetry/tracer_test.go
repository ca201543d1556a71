package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracer("clipmarket-test", "test", &buf)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := StartSpan(context.Background(), "approval.approve")
	span.End()

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	ShutdownTracer(context.Background())

	out := buf.String()
	if !strings.Contains(out, "approval.approve") {
		t.Errorf("exported spans missing span name: %s", out)
	}
	if !strings.Contains(out, "clipmarket-test") {
		t.Errorf("exported spans missing service name: %s", out)
	}
}
