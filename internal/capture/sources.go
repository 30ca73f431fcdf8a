package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/enrich"
	"github.com/vincentbai/uxtrace/internal/models"
)

// Sink receives the raw events produced by the sources.
type Sink interface {
	Capture(enrich.RawEvent)
}

type SinkFunc func(enrich.RawEvent)

func (f SinkFunc) Capture(raw enrich.RawEvent) { f(raw) }

type Options struct {
	// Window is the hover and scroll throttle window.
	Window time.Duration
	Now    func() time.Time
	// Snapshot, when set, is called with the UI tree on load, before the
	// pageLoad event is emitted.
	Snapshot func(root *models.ComponentNode)
	Logger   zerolog.Logger
}

// Sources is the set of capture sources attached to one Hub.
type Sources struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Attach subscribes every capture source to hub. The time-on-page clock
// starts now.
func Attach(hub *Hub, sink Sink, opts Options) *Sources {
	if opts.Window <= 0 {
		opts.Window = DefaultThrottleWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	started := opts.Now()
	log := opts.Logger

	s := &Sources{}
	s.add(hub.Subscribe(TypeClick, func(in Interaction) {
		sink.Capture(enrich.RawEvent{
			Details: models.Click{ID: targetID(in), X: in.X, Y: in.Y},
			Target:  in.Target,
		})
	}))
	s.add(hub.Subscribe(TypeClick, func(in Interaction) {
		if in.Target == nil || !strings.EqualFold(in.Target.Tag, "button") {
			return
		}
		sink.Capture(enrich.RawEvent{
			Details: models.ButtonClick{ButtonID: in.Target.ID, ButtonText: in.Text},
			Target:  in.Target,
		})
	}))

	scrollThrottle := NewThrottle(opts.Window, opts.Now)
	s.add(hub.Subscribe(TypeScroll, func(in Interaction) {
		if !scrollThrottle.Allow() {
			log.Debug().Str("type", in.Type).Msg("throttled")
			return
		}
		sink.Capture(enrich.RawEvent{
			Details: models.Scroll{ScrollTop: in.ScrollTop, ScrollLeft: in.ScrollLeft},
			Target:  in.Target,
		})
	}))

	hoverThrottle := NewThrottle(opts.Window, opts.Now)
	s.add(hub.Subscribe(TypeMouseOver, func(in Interaction) {
		if !hoverThrottle.Allow() {
			log.Debug().Str("type", in.Type).Msg("throttled")
			return
		}
		sink.Capture(enrich.RawEvent{
			Details: models.Hover{ID: targetID(in)},
			Target:  in.Target,
		})
	}))

	s.add(hub.Subscribe(TypeSubmit, func(in Interaction) {
		sink.Capture(enrich.RawEvent{
			Details: models.FormSubmit{FormID: targetID(in), Action: in.Action, Method: in.Method},
			Target:  in.Target,
		})
	}))

	s.add(hub.Subscribe(TypeLoad, func(in Interaction) {
		if opts.Snapshot != nil && in.Root != nil {
			opts.Snapshot(in.Root)
		}
		sink.Capture(enrich.RawEvent{
			Details: models.PageLoad{URL: in.URL, Referrer: in.Referrer},
			Target:  in.Target,
		})
	}))

	var unloaded sync.Once
	s.add(hub.Subscribe(TypeBeforeUnload, func(in Interaction) {
		unloaded.Do(func() {
			sink.Capture(enrich.RawEvent{
				Details: models.TimeSpent{Duration: opts.Now().Sub(started).Milliseconds()},
				Target:  in.Target,
			})
		})
	}))
	return s
}

// Close unsubscribes every source.
func (s *Sources) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *Sources) add(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func targetID(in Interaction) string {
	if in.Target == nil {
		return ""
	}
	return in.Target.ID
}
