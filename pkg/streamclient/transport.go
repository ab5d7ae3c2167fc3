package streamclient

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

// Conn is the minimal full-duplex text-stream surface StreamClient needs.
// It is deliberately narrow so tests can substitute an in-memory fake
// without pulling in a real socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

//go:generate mockgen -package=streamclient -destination=dialer_mock_test.go github.com/relayhub/relayhub/pkg/streamclient Dialer

// Dialer opens a Conn to a URL. The production Dialer wraps
// nhooyr.io/websocket; tests use a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer is the production Dialer, backed by nhooyr.io/websocket.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return nil, &closeError{code: int(code), err: err}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return w.c.Ping(pingCtx)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// closeError adapts nhooyr.io/websocket's close signaling (returned via
// the websocket.CloseStatus(err) helper, not a method on the error
// itself) to the CloseCode() int interface StreamClient.classifyClose
// consults. Read returns one of these whenever the peer's close frame
// carried a status code.
type closeError struct {
	code int
	err  error
}

func (e *closeError) Error() string  { return e.err.Error() }
func (e *closeError) Unwrap() error  { return e.err }
func (e *closeError) CloseCode() int { return e.code }

// CloseCodeNormal is the clean-close status code spec.md's fast-close
// circuit breaker watches for.
const CloseCodeNormal = 1000
