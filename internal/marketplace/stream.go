// stream.go implements the marketplace activity push stream.
//
// One WebSocket connection carries activity for every watched
// collection. On connect the stream subscribes to each active
// collection, then decodes frames and forwards validated events to the
// submit callback. Reconnection uses exponential backoff (1s, 2s, 4s,
// 8s, 16s) and gives up after maxRetries consecutive failures; a
// successful connection resets the counter.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ordinals-bidder/pkg/types"
)

const (
	streamPingInterval = 50 * time.Second
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second

	// maxRetries bounds consecutive failed connection attempts before
	// the stream stops for good.
	maxRetries = 5
)

// SubmitFunc receives each validated activity event. The return value
// reports whether the event was admitted, which the stream only logs.
type SubmitFunc func(evt types.Event) bool

// StreamStats are the stream's cumulative counters.
type StreamStats struct {
	Received      uint64 `json:"received"`
	Invalid       uint64 `json:"invalid"`
	Reconnects    uint64 `json:"reconnects"`
	Connected     bool   `json:"connected"`
	RetriesFailed bool   `json:"maxRetriesExceeded"`
}

// Stream maintains the activity WebSocket connection.
type Stream struct {
	url         string
	collections []string
	submit      SubmitFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	connected  atomic.Bool
	exhausted  atomic.Bool
	received   atomic.Uint64
	invalid    atomic.Uint64
	reconnects atomic.Uint64

	logger *slog.Logger
}

// NewStream creates a push stream for the given collections. Events are
// handed to submit as they arrive.
func NewStream(wsURL string, collections []string, submit SubmitFunc, logger *slog.Logger) *Stream {
	return &Stream{
		url:         wsURL,
		collections: collections,
		submit:      submit,
		logger:      logger.With("component", "stream"),
	}
}

// IsConnected reports whether the stream currently holds a live
// connection.
func (s *Stream) IsConnected() bool { return s.connected.Load() }

// Snapshot returns the stream's counters.
func (s *Stream) Snapshot() StreamStats {
	return StreamStats{
		Received:      s.received.Load(),
		Invalid:       s.invalid.Load(),
		Reconnects:    s.reconnects.Load(),
		Connected:     s.connected.Load(),
		RetriesFailed: s.exhausted.Load(),
	}
}

// Run connects and maintains the stream until ctx is cancelled or the
// retry budget is spent. Blocks for the stream's lifetime.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	everConnected := false

	for {
		connectedOnce, err := s.connectAndRead(ctx, everConnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connectedOnce {
			// A live connection resets the budget: only consecutive
			// failures count toward the cap.
			attempt = 0
			everConnected = true
		}

		attempt++
		if attempt > maxRetries {
			s.exhausted.Store(true)
			s.logger.Error("max retries exceeded, stream stopped",
				"attempts", attempt-1,
				"error", err,
			)
			return fmt.Errorf("stream: max retries exceeded: %w", err)
		}

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Close shuts down the current connection, if any.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// connectAndRead dials, subscribes, and reads until the connection
// fails. The bool reports whether a connection was established at all.
// isReconnect marks re-establishments so the first connection does not
// count toward the reconnect counter.
func (s *Stream) connectAndRead(ctx context.Context, isReconnect bool) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	if isReconnect {
		s.reconnects.Add(1)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.connected.Store(true)

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
		s.connected.Store(false)
	}()

	if err := s.subscribeAll(); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("stream connected", "collections", len(s.collections))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		s.handleFrame(msg)
	}
}

func (s *Stream) subscribeAll() error {
	for _, sym := range s.collections {
		msg := map[string]string{
			"operation":        "subscribe",
			"collectionSymbol": sym,
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame decodes one activity frame. Frames without a string kind
// and collection symbol are counted as invalid and dropped; everything
// else goes to the submit callback.
func (s *Stream) handleFrame(data []byte) {
	s.received.Add(1)

	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		s.invalid.Add(1)
		s.logger.Debug("dropping undecodable frame", "error", err)
		return
	}
	if evt.Kind == "" || evt.CollectionSymbol == "" {
		s.invalid.Add(1)
		return
	}

	s.submit(evt)
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}
