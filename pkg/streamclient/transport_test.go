package streamclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// TestWsConnRead_SurfacesRealCloseCode drives an actual nhooyr.io/websocket
// server and client pair (no fake) to verify wsConn.Read wraps a peer close
// frame's status code in a type classifyClose can consult, matching what a
// real deployment's WebsocketDialer produces.
func TestWsConnRead_SurfacesRealCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		_ = c.Close(websocket.StatusPolicyViolation, "test close")
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	conn, err := (WebsocketDialer{}).Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close(CloseCodeNormal, "")

	_, readErr := conn.Read(context.Background())
	require.Error(t, readErr)

	ce, ok := readErr.(interface{ CloseCode() int })
	require.True(t, ok, "expected wsConn.Read error to expose CloseCode()")
	assert.Equal(t, int(websocket.StatusPolicyViolation), ce.CloseCode())
}
