// Package conformance provides conformance tests for the marketplace service.
package conformance

import (
	"os"
	"testing"
)

// TestConformance runs the full conformance test suite. Set MKT_TEST_DB_DSN
// and MKT_TEST_NATS_URL to run it against real backends.
func TestConformance(t *testing.T) {
	cfg := Config{
		DatabaseDSN: os.Getenv("MKT_TEST_DB_DSN"),
		NATSURL:     os.Getenv("MKT_TEST_NATS_URL"),
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
		JWTSecret:   "conformance-secret",
	}

	harness, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}
