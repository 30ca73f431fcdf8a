package enrich

import (
	"testing"
	"time"

	"github.com/vincentbai/uxtrace/internal/models"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.FixedZone("CET", 3600))
}

func TestEnrich(t *testing.T) {
	enricher := New(Config{
		SessionID: "session-1",
		APIKey:    "api-key-111",
		UserAgent: "uxtrace-test/1.0",
		Now:       fixedClock,
	})

	event := enricher.Enrich(RawEvent{
		Details: models.Click{ID: "buy-btn", X: 4, Y: 8},
		Target:  &models.ComponentNode{Tag: "button", ID: "buy-btn"},
	})

	if event.Event != "click" {
		t.Errorf("Event = %q, want click", event.Event)
	}
	if event.Timestamp != "2024-03-01T09:00:00.123Z" {
		t.Errorf("Timestamp = %q", event.Timestamp)
	}
	if event.SessionID != "session-1" || event.APIKey != "api-key-111" || event.UserAgent != "uxtrace-test/1.0" {
		t.Errorf("Identity not attached: %+v", event)
	}
	if event.Details["id"] != "buy-btn" {
		t.Errorf("Expected id detail, got %v", event.Details)
	}
	if event.Details[models.ComponentTypeField] != "button" {
		t.Errorf("Expected componentType button, got %v", event.Details[models.ComponentTypeField])
	}
	if err := event.Validate(); err != nil {
		t.Errorf("Enriched event should validate: %v", err)
	}
}

func TestEnrichWithoutTarget(t *testing.T) {
	enricher := New(Config{SessionID: "s", APIKey: "k", UserAgent: "ua", Now: fixedClock})

	event := enricher.Enrich(RawEvent{Details: models.Scroll{ScrollTop: 300}})
	if _, ok := event.Details[models.ComponentTypeField]; ok {
		t.Error("Did not expect componentType without a target")
	}
	if event.Details["scrollTop"] != 300.0 {
		t.Errorf("Expected scrollTop 300, got %v", event.Details["scrollTop"])
	}
}

func TestEnrichCustomClassifier(t *testing.T) {
	enricher := New(Config{
		Classifier: func(*models.ComponentNode) string { return "widget" },
		Now:        fixedClock,
	})

	event := enricher.Enrich(RawEvent{Details: models.Hover{ID: "x"}, Target: &models.ComponentNode{Tag: "div"}})
	if event.Details[models.ComponentTypeField] != "widget" {
		t.Errorf("Expected custom classifier result, got %v", event.Details[models.ComponentTypeField])
	}
}

func TestEnrichIsDeterministicForFixedClock(t *testing.T) {
	enricher := New(Config{SessionID: "s", APIKey: "k", UserAgent: "ua", Now: fixedClock})
	raw := RawEvent{Details: models.TimeSpent{Duration: 42}}

	first := enricher.Enrich(raw)
	second := enricher.Enrich(raw)
	if first.Timestamp != second.Timestamp || first.Details["duration"] != second.Details["duration"] {
		t.Errorf("Expected identical records, got %+v and %+v", first, second)
	}
}
