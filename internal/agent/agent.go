// Package agent is the client-side context object: it owns the session
// identity, the enricher, the delivery manager and the capture sources for
// one page lifetime.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/capture"
	"github.com/vincentbai/uxtrace/internal/classify"
	"github.com/vincentbai/uxtrace/internal/delivery"
	"github.com/vincentbai/uxtrace/internal/enrich"
	"github.com/vincentbai/uxtrace/internal/models"
	"github.com/vincentbai/uxtrace/internal/session"
)

type Config struct {
	ServerURL string
	APIKey    string
	UserAgent string
	// Storage scopes the session id; defaults to process memory.
	Storage session.Storage
	// Dialer defaults to a WebsocketDialer sending UserAgent.
	Dialer delivery.Dialer
	// Buffer defaults to an unbounded queue.
	Buffer         delivery.Buffer
	ThrottleWindow time.Duration
	// Reconnect is applied by Start and after every unexpected close or
	// error. Nil means a single attempt.
	Reconnect delivery.Policy
	Now       func() time.Time
	Logger    zerolog.Logger
}

type Agent struct {
	log      zerolog.Logger
	enricher *enrich.Enricher
	manager  *delivery.Manager
	hub      *capture.Hub
	sources  *capture.Sources
	policy   delivery.Policy

	ctx      context.Context
	cancel   context.CancelFunc
	retrying atomic.Bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wires an agent. Capture starts immediately; events are queued until
// Start opens the connection.
func New(cfg Config) *Agent {
	storage := cfg.Storage
	if storage == nil {
		storage = session.NewMemoryStorage()
	}
	sessionID, err := session.GetOrCreateID(storage)
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("session id not persisted")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		header := http.Header{}
		if cfg.UserAgent != "" {
			header.Set("User-Agent", cfg.UserAgent)
		}
		dialer = &delivery.WebsocketDialer{Header: header}
	}
	policy := cfg.Reconnect
	if policy == nil {
		policy = delivery.NoRetry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		log: cfg.Logger.With().Str("session", sessionID).Logger(),
		enricher: enrich.New(enrich.Config{
			SessionID: sessionID,
			APIKey:    cfg.APIKey,
			UserAgent: cfg.UserAgent,
			Now:       cfg.Now,
		}),
		hub:    capture.NewHub(),
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
	}
	a.manager = delivery.NewManager(delivery.Options{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		Dialer:    dialer,
		Buffer:    cfg.Buffer,
		Logger:    a.log,
	})
	a.manager.OnTransition(a.onTransition)
	a.sources = capture.Attach(a.hub, a, capture.Options{
		Window:   cfg.ThrottleWindow,
		Now:      cfg.Now,
		Snapshot: a.Snapshot,
		Logger:   a.log,
	})
	return a
}

// Start connects, retrying under the configured policy. Events captured
// before and during Start are delivered once the connection opens.
func (a *Agent) Start(ctx context.Context) error {
	if a.isClosed() {
		return delivery.ErrConnClosed
	}
	a.retrying.Store(true)
	defer a.retrying.Store(false)
	return delivery.Retry(ctx, a.manager, a.policy)
}

// Capture enriches a raw event and hands it to the delivery manager.
func (a *Agent) Capture(raw enrich.RawEvent) {
	a.manager.Send(a.enricher.Enrich(raw))
}

// Track records a custom event, optionally tied to a UI node.
func (a *Agent) Track(details models.Details, target *models.ComponentNode) {
	a.Capture(enrich.RawEvent{Details: details, Target: target})
}

// Snapshot sends the whole UI tree as a domCapture event.
func (a *Agent) Snapshot(root *models.ComponentNode) {
	tree := classify.Snapshot(root, 0)
	if tree == nil {
		return
	}
	a.Capture(enrich.RawEvent{Details: models.DOMCapture{Tree: tree}})
}

// Hub is where the host reports interactions.
func (a *Agent) Hub() *capture.Hub { return a.hub }

func (a *Agent) SessionID() string { return a.enricher.SessionID() }

func (a *Agent) State() delivery.State { return a.manager.State() }

func (a *Agent) Pending() int { return a.manager.Pending() }

func (a *Agent) Flush() int { return a.manager.Flush() }

// Close detaches every capture source and closes the transport. Entries not
// yet handed to the transport stay queued.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.sources.Close()
	err := a.manager.Close()
	a.wg.Wait()
	return err
}

func (a *Agent) onTransition(t delivery.Transition) {
	if t.To != delivery.Closed && t.To != delivery.Errored {
		return
	}
	if t.Err == nil || errors.Is(t.Err, delivery.ErrAuthRejected) {
		return
	}
	if _, ok := a.policy.Next(1); !ok {
		return
	}
	if !a.retrying.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.retrying.Store(false)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.retrying.Store(false)
		if err := delivery.Retry(a.ctx, a.manager, a.policy); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("reconnect gave up")
		}
	}()
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
