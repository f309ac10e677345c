package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Channel is one attached client. Send is safe for concurrent use and
// delivers in call order.
type Channel interface {
	Send(msg any) error
	Close() error
	Done() <-chan struct{}
}

const (
	WriteTimeout = 10 * time.Second
	PingInterval = 10 * time.Second
)

// Conn is a server-side WebSocket Channel.
type Conn struct {
	conn net.Conn

	mu        sync.Mutex
	lastWrite time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded connection and starts its keepalive pinger.
func NewConn(c net.Conn) *Conn {
	cn := &Conn{conn: c, lastWrite: time.Now(), done: make(chan struct{})}
	go cn.keepAlive(PingInterval)
	return cn
}

func (c *Conn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(ws.OpText, data)
}

func (c *Conn) write(op ws.OpCode, data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := wsutil.WriteServerMessage(c.conn, op, data); err != nil {
		go func() { _ = c.Close() }()
		return err
	}
	c.lastWrite = time.Now()
	return nil
}

func (c *Conn) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			idle := time.Since(c.lastWrite)
			c.mu.Unlock()
			if idle < interval {
				continue
			}
			if err := c.write(ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop reads client messages until the connection ends and hands each
// decoded Input to handle. Control frames are answered inline. Unknown and
// malformed messages are logged and skipped. A clean close returns nil.
func (c *Conn) ReadLoop(handle func(Input)) error {
	defer func() { _ = c.Close() }()
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		in, err := Decode(data)
		if err != nil {
			slog.Debug("ws message rejected", "err", err)
			continue
		}
		if in.Kind == InputUnknown {
			slog.Debug("ws message ignored", "type", in.Type)
			continue
		}
		handle(in)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) Done() <-chan struct{} { return c.done }
