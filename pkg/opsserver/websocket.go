package opsserver

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/redis"
	"github.com/mycelix-network/playsettle/pkg/retry"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	allArtists   = "*"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientMessage changes the set of artists a feed client follows.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Artist string `json:"artist"` // artist id, or "*" for every artist
}

// ServerMessage is the envelope of every frame sent to feed clients.
type ServerMessage struct {
	Type    string `json:"type"` // "settlement.status", "subscribed", "unsubscribed", "error", "info"
	Payload any    `json:"payload"`
}

type artistFilter struct {
	mu      sync.RWMutex
	artists map[string]bool
}

func newArtistFilter(initial string) *artistFilter {
	f := &artistFilter{artists: make(map[string]bool)}
	if initial == "" {
		initial = allArtists
	}
	f.artists[initial] = true
	return f
}

func (f *artistFilter) add(artist string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artists[artist] = true
}

func (f *artistFilter) remove(artist string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.artists, artist)
}

func (f *artistFilter) matches(artist string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.artists[allArtists] || f.artists[artist]
}

// HandleSettlementFeed upgrades to a websocket and streams batch status changes.
//
// The optional ?artist= query parameter sets the initial filter; without it every artist is followed.
// Clients may send {"action":"subscribe","artist":"a1"} or {"action":"unsubscribe","artist":"*"}.
func (s *Server) HandleSettlementFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()
	s.logger.Info("Feed client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter := newArtistFilter(r.URL.Query().Get("artist"))
	send := make(chan ServerMessage, 256)
	var producers, writer sync.WaitGroup

	guarded := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("Panic in feed goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}

	guarded(&producers, "subscriber", func() { s.forwardStatus(ctx, send, filter) })
	guarded(&producers, "pinger", func() { s.sendPings(ctx, conn) })
	guarded(&writer, "writer", func() { s.writeMessages(conn, send) })

	s.readClientMessages(ctx, conn, cancel, filter, send)

	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	s.logger.Info("Feed client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// forwardStatus relays status changes until ctx ends, resubscribing with backoff when Pub/Sub drops.
func (s *Server) forwardStatus(ctx context.Context, send chan<- ServerMessage, filter *artistFilter) {
	cfg := retry.Config{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
		JitterEnabled: true,
	}
	for attempt := 1; ; attempt++ {
		err := s.relay(ctx, send, filter)
		if ctx.Err() != nil {
			return
		}
		delay := retry.Backoff(cfg, attempt)
		s.logger.Warn("Status subscription lost, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if !trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]any{
			"message":     "status feed interrupted, reconnecting",
			"retryIn":     delay.Seconds(),
			"recoverable": true,
		}}) {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Server) relay(ctx context.Context, send chan<- ServerMessage, filter *artistFilter) error {
	pubsub := s.opts.Feed.Subscribe(ctx, redis.SettlementStatusChannel)
	defer func() { _ = pubsub.Close() }()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]string{"message": "status feed connected"}}) {
		return ctx.Err()
	}
	return s.relayMessages(ctx, pubsub, send, filter)
}

func (s *Server) relayMessages(ctx context.Context, pubsub *goredis.PubSub, send chan<- ServerMessage, filter *artistFilter) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			var change ledger.StatusChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("Dropping malformed status change", zap.Error(err))
				continue
			}
			if !filter.matches(change.ArtistID) {
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "settlement.status", Payload: change}) {
				return ctx.Err()
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (s *Server) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, filter *artistFilter, send chan<- ServerMessage) {
	extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	if err := extend(""); err != nil {
		s.logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(extend)

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := extend(""); err != nil {
			cancel()
			return
		}

		var reply ServerMessage
		switch {
		case msg.Artist == "":
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "artist is required"}}
		case msg.Action == "subscribe":
			filter.add(msg.Artist)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"artist": msg.Artist}}
		case msg.Action == "unsubscribe":
			filter.remove(msg.Artist)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"artist": msg.Artist}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
