package facade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

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

func testURL(t *testing.T) string {
	t.Helper()
	return "wss://s/ws/" + t.Name()
}

func TestSelectMode_AutoPrefersShared(t *testing.T) {
	f := New(Options{})
	f.mu.Lock()
	mode := f.selectMode()
	f.mu.Unlock()
	assert.Equal(t, config.ModeShared, mode)
}

func TestSelectMode_AutoFallsBackToDirectWhenUnsupported(t *testing.T) {
	f := New(Options{SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.mu.Lock()
	mode := f.selectMode()
	f.mu.Unlock()
	assert.Equal(t, config.ModeDirect, mode)
}

func TestSelectMode_AutoFallsBackToVisibilityWhenManagedAndEnabled(t *testing.T) {
	f := New(Options{SupportsShared: boolPtr(false)})
	f.SetConfig(config.Config{EnableVisibilityManagement: boolPtr(true)})
	f.mu.Lock()
	mode := f.selectMode()
	f.mu.Unlock()
	assert.Equal(t, config.ModeVisibility, mode)
}

func TestSelectMode_ExplicitSharedDegradesToDirect(t *testing.T) {
	f := New(Options{SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.SetConfig(config.Config{ConnectionMode: config.ModeShared})
	f.mu.Lock()
	mode := f.selectMode()
	f.mu.Unlock()
	assert.Equal(t, config.ModeDirect, mode)
}

func TestStartDirect_ConnectsAndSends(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	f := New(Options{Dialer: dialer, SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.SetConfig(config.Config{URL: testURL(t)})
	t.Cleanup(f.Stop)

	require.NoError(t, f.Start(envelope.Identity{BaseURL: testURL(t), UserID: "u1", Credential: "t"}))
	assert.Equal(t, config.ModeDirect, f.CurrentMode())
	assert.Equal(t, "u1", f.CurrentUserID())
	require.Eventually(t, f.IsConnected, time.Second, time.Millisecond)
	assert.NoError(t, f.Send("hello"))
}

func TestStartShared_ConnectsThroughHost(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	url := testURL(t)
	f := New(Options{Dialer: dialer})
	f.SetConfig(config.Config{URL: url})
	t.Cleanup(f.Stop)

	require.NoError(t, f.Start(envelope.Identity{BaseURL: url, UserID: "u1", Credential: "t"}))
	assert.Equal(t, config.ModeShared, f.CurrentMode())
	require.Eventually(t, f.IsConnected, time.Second, time.Millisecond)
}

func TestDoubleStart_SameIdentityIsNoop(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	f := New(Options{Dialer: dialer, SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.SetConfig(config.Config{URL: testURL(t)})
	t.Cleanup(f.Stop)

	identity := envelope.Identity{BaseURL: testURL(t), UserID: "u1", Credential: "t"}
	require.NoError(t, f.Start(identity))
	require.Eventually(t, f.IsConnected, time.Second, time.Millisecond)
	require.NoError(t, f.Start(identity))
	require.Eventually(t, f.IsConnected, time.Second, time.Millisecond)
	assert.Equal(t, 1, dialer.calls)
}

func TestStop_TearsDownDirectConnection(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	f := New(Options{Dialer: dialer, SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.SetConfig(config.Config{URL: testURL(t)})

	require.NoError(t, f.Start(envelope.Identity{BaseURL: testURL(t), UserID: "u1", Credential: "t"}))
	f.Stop()
	assert.False(t, f.IsConnected())
	assert.Error(t, f.Send("x"))
}

func TestRegisterCallback_ForwardsAfterStart(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f := New(Options{Dialer: dialer, SupportsShared: boolPtr(false), SupportsVisible: boolPtr(false)})
	f.SetConfig(config.Config{URL: testURL(t)})
	t.Cleanup(f.Stop)

	require.NoError(t, f.Start(envelope.Identity{BaseURL: testURL(t), UserID: "u1", Credential: "t"}))

	received := make(chan string, 1)
	f.RegisterCallback("UNREAD", func(data any, env *envelope.Envelope) {
		received <- env.Type
	})

	conn.inbound <- []byte(`{"type":"UNREAD","data":{"n":1}}`)

	select {
	case typ := <-received:
		assert.Equal(t, "UNREAD", typ)
	case <-time.After(time.Second):
		t.Fatal("callback was never invoked")
	}
}
