// Package wsconn wraps a gorilla websocket with a buffered write pump and a
// ping/pong heartbeat. Writers never block: a full buffer drops the frame.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"soundboard.app/internal/ids"
)

const (
	defaultBuffer = 32
	writeWait     = 10 * time.Second
	maxFrameSize  = 64 << 10
)

// ErrClosed is returned by Run when the connection was closed locally.
var ErrClosed = errors.New("wsconn: closed")

type outbound struct {
	data  []byte
	close bool
}

// Conn is one upgraded websocket connection.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan outbound
	heartbeat time.Duration
	log       *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithBuffer sets the outbound queue length.
func WithBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.send = make(chan outbound, n)
		}
	}
}

// WithLogger attaches a logger; the connection id is added as a field.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// New wraps ws. A zero heartbeat disables pings and read deadlines.
func New(ws *websocket.Conn, heartbeat time.Duration, opts ...Option) *Conn {
	c := &Conn{
		id:        ids.ConnID(),
		ws:        ws,
		send:      make(chan outbound, defaultBuffer),
		heartbeat: heartbeat,
		log:       zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("conn_id", c.id))
	return c
}

// ID is a process-unique identifier for the connection.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send enqueues a text frame. It reports false if the frame was dropped.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{data: frame}:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("ws send buffer full, dropping frame")
		return false
	}
}

// SendJSON marshals v and enqueues it.
func (c *Conn) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("ws marshal failed", zap.Error(err))
		return false
	}
	return c.Send(b)
}

// SendText enqueues a bare JSON string such as "Identified".
func (c *Conn) SendText(s string) bool {
	return c.SendJSON(s)
}

// CloseAfter writes frame and then closes the connection.
func (c *Conn) CloseAfter(frame []byte) {
	select {
	case c.send <- outbound{data: frame, close: true}:
	default:
		c.Close()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run starts the write pump and reads frames until the peer goes away, the
// heartbeat lapses, ctx ends or Close is called. onMessage runs on the read
// goroutine for every text frame.
func (c *Conn) Run(ctx context.Context, onMessage func([]byte)) error {
	c.ws.SetReadLimit(maxFrameSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()
	defer func() {
		c.Close()
		<-writerDone
	}()

	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.extendDeadline()
		if typ != websocket.TextMessage {
			continue
		}
		onMessage(msg)
	}
}

func (c *Conn) extendDeadline() {
	if c.heartbeat <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
}

func (c *Conn) writePump(ctx context.Context) {
	var tick <-chan time.Time
	if c.heartbeat > 0 {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			c.writeClose()
			return
		case <-c.done:
			c.writeClose()
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.log.Warn("ws write failed, closing", zap.Error(err))
				c.Close()
				return
			}
			if msg.close {
				c.Close()
				c.writeClose()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ws ping failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
