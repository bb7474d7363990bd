package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType distinguishes text and binary socket messages.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
)

const (
	writeTimeout = 5 * time.Second
	closeTimeout = time.Second
)

// Conn is the client socket as seen by a session. Read is called from one
// goroutine; writes are serialised by the session.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(code int, reason string) error
}

// WSConn adapts a gorilla websocket connection.
type WSConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read blocks for the next data message. Cancelling ctx unblocks it.
func (c *WSConn) Read(ctx context.Context) (MessageType, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, err
	}
	if typ == websocket.BinaryMessage {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

// Write sends one message.
func (c *WSConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline) //nolint:errcheck
	wt := websocket.TextMessage
	if typ == MessageBinary {
		wt = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(wt, data)
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if cerr := c.ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
