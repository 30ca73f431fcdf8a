package models

import (
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for client timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// CapturedEvent is the wire record sent by the agent, one per frame.
type CapturedEvent struct {
	Event     string         `json:"event"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
	UserAgent string         `json:"userAgent"`
	SessionID string         `json:"sessionId"`
	APIKey    string         `json:"apiKey"`
}

type Batch struct {
	Events []CapturedEvent `json:"events"`
}

// StoredEvent is what the collector persists. The client timestamp is kept
// next to the ingestion time; the credential is not.
type StoredEvent struct {
	Event           string         `json:"event"`
	Details         map[string]any `json:"details"`
	ClientTimestamp string         `json:"clientTimestamp"`
	UserAgent       string         `json:"userAgent"`
	SessionID       string         `json:"sessionId"`
	FallbackSession bool           `json:"fallbackSession"`
	ComponentType   string         `json:"componentType,omitempty"`
	RemoteAddr      string         `json:"remoteAddr"`
	ReceivedAt      time.Time      `json:"receivedAt"`
}

// ValidationError names the first field that made a record unfit for persistence.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s cannot be empty", e.Field)
}

// Validate reports whether the record can be persisted: event, details,
// timestamp and userAgent must all be present and non-empty. The credential
// and session are checked elsewhere.
func (e CapturedEvent) Validate() error {
	if e.Event == "" {
		return &ValidationError{Field: "event"}
	}
	if len(e.Details) == 0 {
		return &ValidationError{Field: "details"}
	}
	if e.Timestamp == "" {
		return &ValidationError{Field: "timestamp"}
	}
	if e.UserAgent == "" {
		return &ValidationError{Field: "userAgent"}
	}
	return nil
}

// ComponentNode is one node of the host UI tree as handed to the agent.
type ComponentNode struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id,omitempty"`
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Children   []*ComponentNode  `json:"children,omitempty"`
}

// RoleAttribute returns the explicit role, from the Role field or the "role" attribute.
func (n *ComponentNode) RoleAttribute() string {
	if n.Role != "" {
		return n.Role
	}
	return n.Attributes["role"]
}

// ComponentSnapshot is the serialised form of a ComponentNode sent in domCapture.
type ComponentSnapshot struct {
	TagName       string               `json:"tagName"`
	ID            string               `json:"id"`
	ComponentType string               `json:"componentType"`
	Children      []*ComponentSnapshot `json:"children"`
}
