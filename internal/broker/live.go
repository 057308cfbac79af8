package broker

import (
	"context"
	"encoding/json"
	"sync"

	"capitalkernel/internal/core"
	"capitalkernel/pkg/websocket"
)

// WSFillFeed is a BrokerEventSource backed by a venue's fill-stream
// WebSocket. It never places orders itself; PAPER and BACKTEST runs don't
// need a live fill stream, and a real venue's order-entry transport is a
// separate concern from its market/fill feed. The orchestrator polls
// PollFills once per bar; this type buffers whatever the WebSocket client
// delivered between polls and hands back a drained snapshot.
type WSFillFeed struct {
	client *websocket.Client

	mu      sync.Mutex
	pending []core.Fill
	logger  core.ILogger
}

// NewWSFillFeed dials url lazily on Start and decodes every inbound message
// as a single JSON-encoded core.Fill. A message that fails to decode is
// logged and dropped rather than surfaced as a PollFills error, since one
// malformed venue message must not stall recovery of the rest of the feed.
func NewWSFillFeed(url string, logger core.ILogger) *WSFillFeed {
	f := &WSFillFeed{logger: logger}
	f.client = websocket.NewClient(url, f.onMessage, logger)
	return f
}

func (f *WSFillFeed) onMessage(message []byte) {
	var fill core.Fill
	if err := json.Unmarshal(message, &fill); err != nil {
		if f.logger != nil {
			f.logger.Warn("fill feed: undecodable message dropped", "error", err)
		}
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, fill)
	f.mu.Unlock()
}

// Start connects the underlying WebSocket client and begins buffering
// inbound fills. Call once before the orchestrator's first PollFills.
func (f *WSFillFeed) Start() { f.client.Start() }

// Stop closes the connection and releases the client's goroutines.
func (f *WSFillFeed) Stop() { f.client.Stop() }

// PollFills drains and returns every fill buffered since the last call.
// Dedup against broker_fill_id happens downstream, at the inbox.
func (f *WSFillFeed) PollFills(ctx context.Context) ([]core.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}
