package streamclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/relerr"
)

func newTestClient(t *testing.T, dialer *fakeDialer, opts Options) *StreamClient {
	t.Helper()
	if opts.Dialer == nil {
		opts.Dialer = dialer
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	if opts.ReconnectDelayMax == 0 {
		opts.ReconnectDelayMax = 40 * time.Millisecond
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 3
	}
	opts.AutoReconnect = true
	sc := New(opts)
	t.Cleanup(sc.Close)
	return sc
}

func TestOn_InvalidSubscriptionRejected(t *testing.T) {
	sc := newTestClient(t, &fakeDialer{}, Options{})
	id, err := sc.On("", func(any, *envelope.Envelope) {})
	assert.Empty(t, id)
	assert.Error(t, err)
}

func TestDispatch_InsertionOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	sc := newTestClient(t, dialer, Options{})

	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, sc.IsOpen, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		n := i
		_, err := sc.On("GREETING", func(data any, env *envelope.Envelope) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	conn.inbound <- []byte(`{"type":"GREETING","data":{"hello":true}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()
}

func TestDispatch_DropsMalformedAndUntypedFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	sc := newTestClient(t, dialer, Options{})
	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, sc.IsOpen, time.Second, time.Millisecond)

	var calls int32
	_, err := sc.On("X", func(any, *envelope.Envelope) {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"data":"no type field"}`)
	conn.inbound <- []byte(`{"type":123}`)
	conn.inbound <- []byte(`{"type":"X","data":"ok"}`)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestOffRemovesSubscription(t *testing.T) {
	sc := newTestClient(t, &fakeDialer{}, Options{})
	var calls int
	id, err := sc.On("X", func(any, *envelope.Envelope) { calls++ })
	require.NoError(t, err)

	sc.Off("X", id)
	sc.mu.Lock()
	_, present := sc.subs["X"]
	sc.mu.Unlock()
	assert.False(t, present)
}

func TestSend_FailsWhenNotOpen(t *testing.T) {
	sc := newTestClient(t, &fakeDialer{}, Options{})
	err := sc.Send("hello")
	assert.Error(t, err)
}

func TestSend_WritesWhenOpen(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	sc := newTestClient(t, dialer, Options{})
	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, sc.IsOpen, time.Second, time.Millisecond)

	require.NoError(t, sc.Send(map[string]any{"type": "PING"}))
	select {
	case data := <-conn.outbound:
		assert.Contains(t, string(data), "PING")
	case <-time.After(time.Second):
		t.Fatal("expected a write")
	}
}

func TestReconnect_LinearBackoffClamped(t *testing.T) {
	dialer := &fakeDialer{}
	var openTimes []time.Time
	var mu sync.Mutex
	sc := newTestClient(t, dialer, Options{
		ReconnectDelay:       20 * time.Millisecond,
		ReconnectDelayMax:    35 * time.Millisecond,
		MaxReconnectAttempts: 3,
		OnOpen: func() {
			mu.Lock()
			openTimes = append(openTimes, time.Now())
			mu.Unlock()
		},
	})

	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(openTimes) >= 1
	}, time.Second, time.Millisecond)

	// Force a server-driven close so the reconnect policy engages; the
	// fakeDialer keeps handing out fresh conns.
	sc.mu.Lock()
	conn := sc.conn.(*fakeConn)
	sc.mu.Unlock()
	conn.serverClose(&closeCodeErr{code: 1006})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(openTimes) >= 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	firstGap := openTimes[1].Sub(openTimes[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, firstGap, 20*time.Millisecond)
}

func TestReconnect_ExhaustsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{
		errs: []error{errDial, errDial, errDial, errDial, errDial},
	}
	var exhausted int32
	sc := newTestClient(t, dialer, Options{
		ReconnectDelay:       2 * time.Millisecond,
		ReconnectDelayMax:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		OnError: func(err error) {
			if errors.Is(err, relerr.New(relerr.CodeReconnectExhausted, "")) {
				atomic.AddInt32(&exhausted, 1)
			}
		},
	})

	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&exhausted) > 0 }, time.Second, time.Millisecond)
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	sc := newTestClient(t, dialer, Options{})
	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws"))
	require.Eventually(t, sc.IsOpen, time.Second, time.Millisecond)

	sc.Disconnect()
	require.Eventually(t, func() bool { return sc.ReadyState() == StateDisconnected }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.calls)
}

func TestConnect_DialsExactlyTheRequestedURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), "wss://example/ws?token=abc").Return(newFakeConn(), nil).Times(1)

	sc := New(Options{Dialer: dialer, HeartbeatInterval: time.Hour, AutoReconnect: false})
	t.Cleanup(sc.Close)

	require.NoError(t, sc.Connect(context.Background(), "wss://example/ws?token=abc"))
	require.Eventually(t, sc.IsOpen, time.Second, time.Millisecond)
}

var errDial = &dialErr{}

type dialErr struct{}

func (*dialErr) Error() string { return "dial failed" }
