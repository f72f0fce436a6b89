package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/alemhq/alem/internal/changefeed"
)

const (
	streamBuffer       = 16
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second

	NotificationReady   = "ready"
	NotificationChanges = "changes_available"
)

// Notification tells a stream subscriber that its change feed has moved.
// Subscribers pull the changes themselves.
type Notification struct {
	Type       string    `json:"type"`
	ChangeID   string    `json:"change_id,omitempty"`
	ChangeType string    `json:"change_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type subscriber struct {
	ch chan Notification
}

// Hub fans change notifications out to websocket subscribers per account.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{subs: map[string]map[*subscriber]struct{}{}, logger: logger}
}

// Publish never blocks; a subscriber with a full buffer already has a
// pending notification and will pull everything on its next sync.
func (h *Hub) Publish(userID string, change changefeed.Change) {
	n := Notification{
		Type:       NotificationChanges,
		ChangeID:   change.ID,
		ChangeType: change.Type,
		Timestamp:  change.Timestamp,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- n:
		default:
		}
	}
}

// Subscribers reports how many streams are open for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) subscribe(userID string) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan Notification, streamBuffer)}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[*subscriber]struct{}{}
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subs[userID], sub)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
		h.mu.Unlock()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, c caller) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logf("stream %s: accept: %v", c.correlationID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub, unsubscribe := s.hub.subscribe(c.namespaceID)
	defer unsubscribe()

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := writeNotification(ctx, conn, Notification{Type: NotificationReady, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n := <-sub.ch:
			if err := writeNotification(ctx, conn, n); err != nil {
				s.logf("stream %s: write: %v", c.correlationID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, n)
}
