package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vincentbai/uxtrace/internal/models"
)

// ClosePolicyViolation is the close code the collector uses for a rejected credential.
const ClosePolicyViolation = websocket.ClosePolicyViolation

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultWriteBuffer      = 256
)

// WebsocketDialer dials the collector over a websocket. Frames are written by
// a per-connection goroutine so Send never blocks the caller.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// WriteBuffer is the number of frames accepted ahead of the socket.
	WriteBuffer int
	Header      http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}

	ws, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %s: %w", resp.Status, err)
		}
		return nil, err
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	size := d.WriteBuffer
	if size <= 0 {
		size = defaultWriteBuffer
	}
	c := &websocketConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, size),
		writable:     make(chan struct{}, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	outbound     chan []byte
	// starved is set when a caller found outbound full; the writer then
	// signals writable after its next dequeue.
	starved  atomic.Bool
	writable chan struct{}

	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	writerDone  chan struct{}

	mu  sync.Mutex
	err error
}

func (c *websocketConn) Ready() bool {
	select {
	case <-c.closing:
		return false
	case <-c.done:
		return false
	default:
	}
	if len(c.outbound) < cap(c.outbound) {
		return true
	}
	c.starved.Store(true)
	// The writer may have dequeued before starved was set.
	return len(c.outbound) < cap(c.outbound)
}

func (c *websocketConn) Send(event models.CapturedEvent) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	case <-c.done:
		return ErrConnClosed
	default:
	}
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		c.starved.Store(true)
		return ErrWriteBufferFull
	}
}

func (c *websocketConn) Writable() <-chan struct{} { return c.writable }

func (c *websocketConn) Done() <-chan struct{} { return c.done }

func (c *websocketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes frames already accepted, sends a normal close frame and
// tears the socket down. It waits at most one write timeout for the flush.
func (c *websocketConn) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	select {
	case <-c.writerDone:
	case <-time.After(c.writeTimeout):
	}
	c.finish(ErrConnClosed)
	return nil
}

func (c *websocketConn) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *websocketConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.outbound:
			if c.starved.CompareAndSwap(true, false) {
				select {
				case c.writable <- struct{}{}:
				default:
				}
			}
			if err := c.write(frame); err != nil {
				c.finish(err)
				return
			}
		case <-c.closing:
			c.flush()
			return
		case <-c.done:
			return
		}
	}
}

func (c *websocketConn) flush() {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.write(frame); err != nil {
				c.finish(err)
				return
			}
		default:
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *websocketConn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// readLoop consumes inbound frames so control frames are processed and a
// peer close is noticed.
func (c *websocketConn) readLoop() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.finish(&CloseError{Code: closeErr.Code, Text: closeErr.Text})
				return
			}
			c.finish(err)
			return
		}
	}
}
