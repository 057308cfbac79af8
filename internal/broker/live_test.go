package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"capitalkernel/internal/core"
	"capitalkernel/pkg/logging"
)

func TestWSFillFeedBuffersAndDrainsFills(t *testing.T) {
	fill := core.Fill{BrokerFillID: "f1", ClientOrderID: "c1", Symbol: "AAPL", Side: core.SideBuy, Qty: 1_000_000, FilledAt: time.Now().UTC()}
	payload, err := json.Marshal(fill)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)

	feed := NewWSFillFeed(url, logger)
	feed.Start()
	defer feed.Stop()

	require.Eventually(t, func() bool {
		fills, err := feed.PollFills(context.Background())
		require.NoError(t, err)
		return len(fills) == 1 && fills[0].BrokerFillID == "f1"
	}, time.Second, 10*time.Millisecond)
}

func TestWSFillFeedDropsUndecodableMessage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)

	feed := NewWSFillFeed(url, logger)
	feed.Start()
	defer feed.Stop()

	time.Sleep(100 * time.Millisecond)
	fills, err := feed.PollFills(context.Background())
	require.NoError(t, err)
	require.Empty(t, fills)
}
