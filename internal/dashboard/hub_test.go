package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeforce/logger"
)

func TestBroadcastDropsStalledClient(t *testing.T) {
	h := newHub(newFakeCore(), logger.Logger())
	ts := httptest.NewServer(http.HandlerFunc(h.serve))
	defer ts.Close()

	// Never read from this connection.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	blob := strings.Repeat("x", 256<<10)
	start := time.Now()
	for i := 0; i < 4*sendBuffer; i++ {
		h.broadcast(messagePrice, blob)
	}
	assert.Less(t, time.Since(start), writeWait/2)
	require.Eventually(t, func() bool { return h.count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesReadingClient(t *testing.T) {
	h := newHub(newFakeCore(), logger.Logger())
	ts := httptest.NewServer(http.HandlerFunc(h.serve))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.broadcast(messageStatus, map[string]string{"status": "connected"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second message
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, messageSnapshot, first.Type)
	assert.Equal(t, messageStatus, second.Type)

	h.closeAll()
	assert.Zero(t, h.count())
}
