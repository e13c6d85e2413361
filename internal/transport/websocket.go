// Package transport provides the duplex message connection the chat session runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeWriteTimeout       = time.Second
)

// Conn is one open message connection. Read is called from a single goroutine;
// Write and Close from another.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// NewDialer returns a WebsocketDialer with default timeouts.
func NewDialer() *WebsocketDialer {
	return &WebsocketDialer{HandshakeTimeout: defaultHandshakeTimeout}
}

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return Wrap(c), nil
}

// Wrap adapts an established gorilla connection, client or server side.
func Wrap(c *websocket.Conn) Conn {
	return &wsConn{c: c, writeTimeout: defaultWriteTimeout}
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// Read returns the next data message, skipping control-only traffic.
func (w *wsConn) Read() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write sends one text message. A peer that stops reading makes it fail
// after the write timeout instead of blocking the caller.
func (w *wsConn) Write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then closes the socket.
func (w *wsConn) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		err := w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			w.closeErr = err
		}
		if err := w.c.Close(); err != nil && w.closeErr == nil {
			w.closeErr = err
		}
	})
	return w.closeErr
}

// CloseStatus extracts the close code and reason from a read error. Errors
// without a close frame report 1006.
func CloseStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNoStatusReceived {
			return websocket.CloseNormalClosure, ce.Text
		}
		return ce.Code, ce.Text
	}
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
