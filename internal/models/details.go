package models

import (
	"encoding/json"
	"fmt"
)

// Event kinds emitted by the capture sources.
const (
	KindClick       = "click"
	KindButtonClick = "buttonClick"
	KindScroll      = "scroll"
	KindHover       = "hover"
	KindFormSubmit  = "formSubmit"
	KindPageLoad    = "pageLoad"
	KindTimeSpent   = "timeSpent"
	KindDOMCapture  = "domCapture"
)

// ComponentTypeField is the details key carrying the classifier's role label.
const ComponentTypeField = "componentType"

// Details is the typed payload of one event kind. Fields flattens it into
// the schema-less map carried on the wire.
type Details interface {
	Kind() string
	Fields() map[string]any
}

type Click struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func (Click) Kind() string { return KindClick }

func (d Click) Fields() map[string]any {
	return map[string]any{"id": d.ID, "x": d.X, "y": d.Y}
}

type ButtonClick struct {
	ButtonID   string `json:"buttonId"`
	ButtonText string `json:"buttonText"`
}

func (ButtonClick) Kind() string { return KindButtonClick }

func (d ButtonClick) Fields() map[string]any {
	return map[string]any{"buttonId": d.ButtonID, "buttonText": d.ButtonText}
}

type Scroll struct {
	ScrollTop  float64 `json:"scrollTop"`
	ScrollLeft float64 `json:"scrollLeft"`
}

func (Scroll) Kind() string { return KindScroll }

func (d Scroll) Fields() map[string]any {
	return map[string]any{"scrollTop": d.ScrollTop, "scrollLeft": d.ScrollLeft}
}

type Hover struct {
	ID string `json:"id"`
}

func (Hover) Kind() string { return KindHover }

func (d Hover) Fields() map[string]any {
	return map[string]any{"id": d.ID}
}

type FormSubmit struct {
	FormID string `json:"formId"`
	Action string `json:"action"`
	Method string `json:"method"`
}

func (FormSubmit) Kind() string { return KindFormSubmit }

func (d FormSubmit) Fields() map[string]any {
	return map[string]any{"formId": d.FormID, "action": d.Action, "method": d.Method}
}

type PageLoad struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer"`
}

func (PageLoad) Kind() string { return KindPageLoad }

func (d PageLoad) Fields() map[string]any {
	return map[string]any{"url": d.URL, "referrer": d.Referrer}
}

// TimeSpent carries the time on page in milliseconds.
type TimeSpent struct {
	Duration int64 `json:"duration"`
}

func (TimeSpent) Kind() string { return KindTimeSpent }

func (d TimeSpent) Fields() map[string]any {
	return map[string]any{"duration": d.Duration}
}

type DOMCapture struct {
	Tree *ComponentSnapshot `json:"domTree"`
}

func (DOMCapture) Kind() string { return KindDOMCapture }

func (d DOMCapture) Fields() map[string]any {
	return map[string]any{"domTree": d.Tree}
}

// Generic holds the payload of a kind outside the known set.
type Generic struct {
	Name   string
	Values map[string]any
}

func (d Generic) Kind() string { return d.Name }

func (d Generic) Fields() map[string]any {
	out := make(map[string]any, len(d.Values))
	for k, v := range d.Values {
		out[k] = v
	}
	return out
}

// DecodeDetails maps a wire payload back onto the typed variant for its kind.
// Unknown kinds decode to Generic and never fail.
func DecodeDetails(kind string, fields map[string]any) (Details, error) {
	var target Details
	switch kind {
	case KindClick:
		target = &Click{}
	case KindButtonClick:
		target = &ButtonClick{}
	case KindScroll:
		target = &Scroll{}
	case KindHover:
		target = &Hover{}
	case KindFormSubmit:
		target = &FormSubmit{}
	case KindPageLoad:
		target = &PageLoad{}
	case KindTimeSpent:
		target = &TimeSpent{}
	case KindDOMCapture:
		target = &DOMCapture{}
	default:
		return Generic{Name: kind, Values: fields}, nil
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s details: %w", kind, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("invalid %s details: %w", kind, err)
	}
	return deref(target), nil
}

func deref(d Details) Details {
	switch v := d.(type) {
	case *Click:
		return *v
	case *ButtonClick:
		return *v
	case *Scroll:
		return *v
	case *Hover:
		return *v
	case *FormSubmit:
		return *v
	case *PageLoad:
		return *v
	case *TimeSpent:
		return *v
	case *DOMCapture:
		return *v
	}
	return d
}

// IsKnownKind reports whether kind belongs to the closed set emitted by the agent.
func IsKnownKind(kind string) bool {
	switch kind {
	case KindClick, KindButtonClick, KindScroll, KindHover, KindFormSubmit,
		KindPageLoad, KindTimeSpent, KindDOMCapture:
		return true
	}
	return false
}
