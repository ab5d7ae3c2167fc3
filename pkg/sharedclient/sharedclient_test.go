package sharedclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/sharedhost"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

// fakeConn/fakeDialer mirror sharedhost's own test fakes; each package
// only sees streamclient's exported Dialer/Conn interfaces so it needs
// its own minimal copy.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, errFakeClosed
		}
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error { return nil }
func (f *fakeConn) Ping(ctx context.Context) error               { return nil }

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

var errFakeClosed = &fakeClosedErr{}

type fakeClosedErr struct{}

func (*fakeClosedErr) Error() string { return "fakeConn closed" }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (streamclient.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.conns) {
		return d.conns[i], nil
	}
	return newFakeConn(), nil
}

func newTestHost(t *testing.T, dialer *fakeDialer) *sharedhost.SharedHost {
	t.Helper()
	h := sharedhost.New(sharedhost.Options{
		Dialer:             dialer,
		StaleSweepInterval: 20 * time.Millisecond,
		StaleTabThreshold:  time.Hour,
		DefaultIdleTimeout: time.Hour,
	})
	t.Cleanup(h.Shutdown)
	return h
}

func testIdentity() envelope.Identity {
	return envelope.Identity{BaseURL: "wss://s/ws", UserID: "u1", Credential: "tok"}
}

func TestStart_ConnectsAndInvokesOnConnected(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	h := newTestHost(t, dialer)

	connected := make(chan struct{}, 1)
	sc := New(h, Options{
		Identity: testIdentity(),
		Hooks:    Hooks{OnConnected: func() { connected <- struct{}{} }},
	})
	sc.Start(context.Background(), true)
	t.Cleanup(sc.Stop)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("onConnected was never invoked")
	}
	assert.True(t, sc.IsConnected())
}

func TestRegisterCallback_DispatchesInInsertionOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	h := newTestHost(t, dialer)

	sc := New(h, Options{Identity: testIdentity()})
	sc.Start(context.Background(), true)
	t.Cleanup(sc.Stop)

	require.Eventually(t, sc.IsConnected, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	sc.RegisterCallback("UNREAD", func(data any, env *envelope.Envelope) {
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
	})
	sc.RegisterCallback("UNREAD", func(data any, env *envelope.Envelope) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})

	conn.inbound <- []byte(`{"type":"UNREAD","data":{"n":3}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, order)
}

func TestUnregisterCallback_StopsDelivery(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	h := newTestHost(t, dialer)

	sc := New(h, Options{Identity: testIdentity()})
	sc.Start(context.Background(), true)
	t.Cleanup(sc.Stop)
	require.Eventually(t, sc.IsConnected, time.Second, time.Millisecond)

	var calls int32
	id := sc.RegisterCallback("UNREAD", func(data any, env *envelope.Envelope) {
		calls++
	})
	sc.UnregisterCallback("UNREAD", id)

	conn.inbound <- []byte(`{"type":"UNREAD","data":{"n":1}}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls)
}

func TestOnDisconnected_FiresOnHostClose(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	h := newTestHost(t, dialer)

	disconnected := make(chan struct{}, 1)
	sc := New(h, Options{
		Identity: testIdentity(),
		Hooks:    Hooks{OnDisconnected: func() { disconnected <- struct{}{} }},
	})
	sc.Start(context.Background(), true)
	t.Cleanup(sc.Stop)
	require.Eventually(t, sc.IsConnected, time.Second, time.Millisecond)

	conn.Close(streamclient.CloseCodeNormal, "server closed")

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("onDisconnected was never invoked")
	}
	assert.False(t, sc.IsConnected())
}

func TestStop_RemovesTabFromHost(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	h := newTestHost(t, dialer)

	sc := New(h, Options{Identity: testIdentity()})
	sc.Start(context.Background(), true)
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 1 }, time.Second, time.Millisecond)

	sc.Stop()
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 0 }, time.Second, time.Millisecond)
}

func TestForceShutdown_TerminatesHostAndStopsLocally(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	h := newTestHost(t, dialer)

	sc := New(h, Options{Identity: testIdentity()})
	sc.Start(context.Background(), true)
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 1 }, time.Second, time.Millisecond)

	sc.ForceShutdown("test teardown")
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 0 }, time.Second, time.Millisecond)
}

func TestContextCancellation_TriggersTeardownDisconnect(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	h := newTestHost(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	sc := New(h, Options{Identity: testIdentity()})
	sc.Start(ctx, true)
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return h.AttachedTabCount() == 0 }, time.Second, time.Millisecond)
}
