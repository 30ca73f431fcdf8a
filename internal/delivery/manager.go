// Package delivery moves enriched events from the agent to the collector:
// a FIFO buffer for entries produced while the transport is not ready, and a
// Manager that owns the single transport connection and its state machine.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/models"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is delivered to observers after every state change. Err is nil
// for transitions the caller asked for.
type Transition struct {
	From State
	To   State
	Err  error
}

// Conn is one established transport connection.
type Conn interface {
	// Ready reports whether Send would accept a frame without blocking.
	Ready() bool
	// Send hands the entry to the transport for writing. It never blocks.
	Send(models.CapturedEvent) error
	// Writable receives after the transport frees write space that a
	// previous Ready or Send found exhausted.
	Writable() <-chan struct{}
	// Done is closed once the connection is unusable; Err then says why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens transport connections. Dial may block until the handshake
// completes or ctx ends.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

type Options struct {
	ServerURL string
	APIKey    string
	Dialer    Dialer
	// Buffer defaults to an unbounded Queue.
	Buffer Buffer
	Logger zerolog.Logger
}

// Manager owns the transport connection. Events sent while the connection is
// not open go to the buffer, which is drained in order as soon as it opens.
// Manager never reconnects on its own; see Reconnect and Retry.
type Manager struct {
	serverURL string
	apiKey    string
	dialer    Dialer
	log       zerolog.Logger

	mu         sync.Mutex
	buffer     Buffer
	state      State
	conn       Conn
	generation uint64
	rejected   bool
	observers  []func(Transition)
	pending    []Transition
	// detached connections are closed once the lock is released.
	detached []Conn
}

func NewManager(opts Options) *Manager {
	buffer := opts.Buffer
	if buffer == nil {
		buffer = NewQueue()
	}
	return &Manager{
		serverURL: opts.ServerURL,
		apiKey:    opts.APIKey,
		dialer:    opts.Dialer,
		buffer:    buffer,
		log:       opts.Logger,
		state:     Disconnected,
	}
}

// OnTransition registers fn for every later state change. Observers run on
// the goroutine that caused the change, after the Manager's lock is released.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the number of buffered entries.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Len()
}

// Connect moves Disconnected, Closed or Errored to Connecting and dials. On
// success the state becomes Open and the buffer is drained before Connect
// returns. A missing server URL or credential fails with ErrConfiguration and
// no transition.
func (m *Manager) Connect(ctx context.Context) error {
	target, err := m.target()
	if err != nil {
		m.log.Error().Err(err).Msg("cannot connect")
		return err
	}

	m.mu.Lock()
	if m.state == Connecting || m.state == Open {
		m.mu.Unlock()
		return ErrNotIdle
	}
	if m.rejected {
		m.mu.Unlock()
		return ErrAuthRejected
	}
	m.generation++
	generation := m.generation
	m.transition(Connecting, nil)
	m.unlockAndNotify()

	conn, dialErr := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if generation != m.generation || m.state != Connecting {
		m.unlockAndNotify()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrAborted
	}
	if dialErr != nil {
		transportErr := &TransportError{Op: "dial", Err: dialErr}
		m.transition(Errored, transportErr)
		m.unlockAndNotify()
		return transportErr
	}
	m.conn = conn
	m.transition(Open, nil)
	m.drainLocked()
	m.unlockAndNotify()

	go m.watch(generation, conn)
	return nil
}

// Reconnect drops the current connection, if any, and connects again.
// Buffered entries are kept and drained once the new connection opens.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.rejected {
		m.mu.Unlock()
		return ErrAuthRejected
	}
	if m.state == Connecting {
		m.mu.Unlock()
		return ErrNotIdle
	}
	old := m.detachLocked()
	if old != nil {
		m.transition(Closed, nil)
	}
	m.unlockAndNotify()
	if old != nil {
		_ = old.Close()
	}
	return m.Connect(ctx)
}

// Send writes the entry straight away when the connection is open and ready
// and nothing is waiting ahead of it; otherwise it is buffered.
func (m *Manager) Send(event models.CapturedEvent) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state != Open || m.conn == nil || !m.conn.Ready() {
		m.enqueueLocked(event)
		return
	}
	if m.buffer.Len() > 0 {
		m.enqueueLocked(event)
		m.drainLocked()
		return
	}
	if err := m.sendLocked(m.conn, event); err != nil {
		m.enqueueLocked(event)
		m.writeFailedLocked(err)
	}
}

// Flush drains the buffer if the connection is open and returns how many
// entries were handed to the transport.
func (m *Manager) Flush() int {
	m.mu.Lock()
	defer m.unlockAndNotify()
	return m.drainLocked()
}

// Close closes the transport. Buffered entries are retained.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.generation++
	old := m.detachLocked()
	if m.state != Closed {
		m.transition(Closed, nil)
	}
	m.unlockAndNotify()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (m *Manager) target() (string, error) {
	if m.serverURL == "" || m.apiKey == "" {
		return "", fmt.Errorf("%w: server URL and API key are required", ErrConfiguration)
	}
	if m.dialer == nil {
		return "", fmt.Errorf("%w: no dialer", ErrConfiguration)
	}
	u, err := url.Parse(m.serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid server URL: %v", ErrConfiguration, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported server URL scheme %q", ErrConfiguration, u.Scheme)
	}
	query := u.Query()
	query.Set("apiKey", m.apiKey)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// watch resumes draining whenever the transport frees write space and
// reports the connection's end.
func (m *Manager) watch(generation uint64, conn Conn) {
	for {
		select {
		case <-conn.Done():
			m.connectionLost(generation, conn.Err())
			return
		case <-conn.Writable():
			if !m.resume(generation) {
				return
			}
		}
	}
}

// resume drains the buffer onto the connection of the given generation. It
// reports false once that connection is no longer current.
func (m *Manager) resume(generation uint64) bool {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if generation != m.generation || m.state != Open {
		return false
	}
	m.drainLocked()
	return true
}

func (m *Manager) connectionLost(generation uint64, err error) {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if generation != m.generation || m.state != Open {
		return
	}
	m.dropConnLocked()

	var closeErr *CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == ClosePolicyViolation:
		m.rejected = true
		m.transition(Closed, fmt.Errorf("%w: %s", ErrAuthRejected, closeErr.Text))
	case errors.As(err, &closeErr):
		m.transition(Closed, err)
	default:
		m.transition(Errored, &TransportError{Op: "read", Err: err})
	}
}

func (m *Manager) sendLocked(conn Conn, event models.CapturedEvent) error {
	err := conn.Send(event)
	if errors.Is(err, ErrEncode) {
		m.log.Error().Err(err).Str("event", event.Event).Msg("dropping unencodable event")
		return nil
	}
	return err
}

func (m *Manager) drainLocked() int {
	if m.state != Open || m.conn == nil || m.buffer.Len() == 0 {
		return 0
	}
	conn := m.conn
	sent, err := m.buffer.Drain(
		func() bool { return m.state == Open && conn.Ready() },
		func(event models.CapturedEvent) error { return m.sendLocked(conn, event) },
	)
	if sent > 0 {
		m.log.Debug().Int("sent", sent).Int("remaining", m.buffer.Len()).Msg("drained queue")
	}
	if err != nil {
		m.writeFailedLocked(err)
	}
	return sent
}

func (m *Manager) enqueueLocked(event models.CapturedEvent) {
	if m.buffer.Enqueue(event) {
		m.log.Warn().Str("event", event.Event).Int("queued", m.buffer.Len()).Msg("queue full, entry dropped")
		return
	}
	m.log.Debug().Str("event", event.Event).Str("state", m.state.String()).Int("queued", m.buffer.Len()).Msg("connection not ready, event queued")
}

// writeFailedLocked keeps the connection for a momentarily full write buffer
// and gives it up for anything else.
func (m *Manager) writeFailedLocked(err error) {
	if errors.Is(err, ErrWriteBufferFull) {
		return
	}
	m.generation++
	m.dropConnLocked()
	m.transition(Errored, &TransportError{Op: "write", Err: err})
}

// dropConnLocked detaches the connection; unlockAndNotify closes it off the
// caller's goroutine so a slow flush never blocks Send.
func (m *Manager) dropConnLocked() {
	if conn := m.detachLocked(); conn != nil {
		m.detached = append(m.detached, conn)
	}
}

func (m *Manager) detachLocked() Conn {
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) transition(to State, err error) {
	from := m.state
	m.state = to
	m.pending = append(m.pending, Transition{From: from, To: to, Err: err})

	var event *zerolog.Event
	switch to {
	case Errored:
		event = m.log.Error().Err(err)
	case Closed:
		event = m.log.Warn()
		if err != nil {
			event = event.Err(err)
		}
	default:
		event = m.log.Info()
	}
	event.Str("from", from.String()).Str("to", to.String()).Int("queued", m.buffer.Len()).Msg("connection state changed")
}

func (m *Manager) unlockAndNotify() {
	pending := m.pending
	m.pending = nil
	detached := m.detached
	m.detached = nil
	observers := m.observers
	m.mu.Unlock()

	for _, conn := range detached {
		go conn.Close()
	}

	for _, t := range pending {
		for _, fn := range observers {
			fn(t)
		}
	}
}
