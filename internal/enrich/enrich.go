// Package enrich turns raw captured interactions into wire records.
package enrich

import (
	"time"

	"github.com/vincentbai/uxtrace/internal/classify"
	"github.com/vincentbai/uxtrace/internal/models"
)

// RawEvent is what a capture source produces. Target, when set, is the UI
// node the interaction happened on.
type RawEvent struct {
	Details models.Details
	Target  *models.ComponentNode
}

// Classifier labels a UI node with its semantic role.
type Classifier func(*models.ComponentNode) string

type Config struct {
	SessionID  string
	APIKey     string
	UserAgent  string
	Classifier Classifier
	Now        func() time.Time
}

type Enricher struct {
	sessionID string
	apiKey    string
	userAgent string
	classify  Classifier
	now       func() time.Time
}

func New(cfg Config) *Enricher {
	e := &Enricher{
		sessionID: cfg.SessionID,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		classify:  cfg.Classifier,
		now:       cfg.Now,
	}
	if e.classify == nil {
		e.classify = classify.Classify
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Enricher) SessionID() string { return e.sessionID }

// Enrich merges the raw payload with the clock, client identity, session and
// credential. A raw event with a target gains a componentType detail.
func (e *Enricher) Enrich(raw RawEvent) models.CapturedEvent {
	var (
		kind   string
		fields map[string]any
	)
	if raw.Details != nil {
		kind = raw.Details.Kind()
		fields = raw.Details.Fields()
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	if raw.Target != nil {
		fields[models.ComponentTypeField] = e.classify(raw.Target)
	}

	return models.CapturedEvent{
		Event:     kind,
		Details:   fields,
		Timestamp: e.now().UTC().Format(models.TimestampLayout),
		UserAgent: e.userAgent,
		SessionID: e.sessionID,
		APIKey:    e.apiKey,
	}
}
