package port

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPair_DeliversInSendOrder(t *testing.T) {
	host, tab := NewPortPair()

	go func() {
		require.True(t, tab.SendToHost(TabMessage{Kind: TabPing, TabID: "a"}))
		require.True(t, tab.SendToHost(TabMessage{Kind: TabSend, TabID: "a"}))
		require.True(t, tab.SendToHost(TabMessage{Kind: TabDisconnect, TabID: "a"}))
	}()

	var kinds []TabMessageKind
	for i := 0; i < 3; i++ {
		msg, ok := host.RecvFromTab()
		require.True(t, ok)
		kinds = append(kinds, msg.Kind)
	}
	assert.Equal(t, []TabMessageKind{TabPing, TabSend, TabDisconnect}, kinds)
}

func TestPortPair_CloseUnblocksBothSides(t *testing.T) {
	host, tab := NewPortPair()
	host.Close()

	_, ok := tab.RecvFromHost()
	assert.False(t, ok)

	assert.False(t, tab.SendToHost(TabMessage{Kind: TabPing}))
}

func TestPortPair_HostToTab(t *testing.T) {
	host, tab := NewPortPair()
	require.True(t, host.SendToTab(WorkerMessage{Kind: WorkerConnected}))

	select {
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	default:
	}
	msg, ok := tab.RecvFromHost()
	require.True(t, ok)
	assert.Equal(t, WorkerConnected, msg.Kind)
}
