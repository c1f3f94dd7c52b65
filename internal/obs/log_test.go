package obs

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamedTagsComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := SetLogger(zap.New(core))
	defer restore()

	Named("pubsub").Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "pubsub" {
		t.Fatalf("unexpected component field: %v", got)
	}
}
