// Package capture turns host UI interactions into raw events. The host feeds
// interactions into a Hub; capture sources subscribe to the Hub and emit raw
// events into a Sink.
package capture

import (
	"sync"

	"github.com/vincentbai/uxtrace/internal/models"
)

// Interaction types dispatched by the host.
const (
	TypeClick        = "click"
	TypeScroll       = "scroll"
	TypeMouseOver    = "mouseover"
	TypeSubmit       = "submit"
	TypeLoad         = "load"
	TypeBeforeUnload = "beforeunload"
)

// Interaction is one raw UI interaction reported by the host.
type Interaction struct {
	Type   string                `json:"type"`
	Target *models.ComponentNode `json:"target,omitempty"`

	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	ScrollTop  float64 `json:"scrollTop,omitempty"`
	ScrollLeft float64 `json:"scrollLeft,omitempty"`

	// Text is the target's visible text.
	Text string `json:"text,omitempty"`

	Action string `json:"action,omitempty"`
	Method string `json:"method,omitempty"`

	URL      string `json:"url,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	// Root is the whole UI tree, set on load.
	Root *models.ComponentNode `json:"root,omitempty"`
}

type Listener func(Interaction)

// Hub fans interactions out to the listeners subscribed to their type.
type Hub struct {
	mu        sync.Mutex
	listeners map[string][]*Subscription
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string][]*Subscription)}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	hub      *Hub
	kind     string
	listener Listener
	once     sync.Once
}

// Subscribe registers listener for interactions of the given type.
func (h *Hub) Subscribe(kind string, listener Listener) *Subscription {
	sub := &Subscription{hub: h, kind: kind, listener: listener}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[kind] = append(h.listeners[kind], sub)
	return sub
}

// Unsubscribe removes the listener. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.listeners[sub.kind]
	for i, candidate := range subs {
		if candidate == sub {
			kept := make([]*Subscription, 0, len(subs)-1)
			kept = append(kept, subs[:i]...)
			kept = append(kept, subs[i+1:]...)
			h.listeners[sub.kind] = kept
			break
		}
	}
	if len(h.listeners[sub.kind]) == 0 {
		delete(h.listeners, sub.kind)
	}
}

// Dispatch calls every listener for in.Type in subscription order on the
// calling goroutine. Listeners must not block.
func (h *Hub) Dispatch(in Interaction) {
	h.mu.Lock()
	subs := h.listeners[in.Type]
	h.mu.Unlock()

	for _, sub := range subs {
		sub.listener(in)
	}
}

// Listeners returns the number of listeners subscribed to kind.
func (h *Hub) Listeners(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[kind])
}
