package streamclient

import (
	"context"
	"sync"
)

// fakeConn is an in-memory Conn used by tests in place of a real socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 32),
		outbound: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, f.currentCloseErr()
		}
		return data, nil
	case <-f.closed:
		return nil, f.currentCloseErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) currentCloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	return errClosed
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case f.outbound <- data:
		return nil
	case <-f.closed:
		return errClosed
	}
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// serverClose simulates the remote end closing with a code, as opposed
// to a local Close() call.
func (f *fakeConn) serverClose(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "fakeConn closed" }

type closeCodeErr struct{ code int }

func (e *closeCodeErr) Error() string  { return "closed with code" }
func (e *closeCodeErr) CloseCode() int { return e.code }

// fakeDialer hands out fakeConns in sequence, or an error if dialErrs is
// non-empty for the current attempt.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.conns) {
		return d.conns[i], nil
	}
	return newFakeConn(), nil
}
