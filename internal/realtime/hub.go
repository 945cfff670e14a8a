package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/notification"
	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

type subscriber struct {
	tenantID  string
	userID    string
	send      chan []byte
	closeSlow func()
}

// Hub fans live events out to websocket subscribers grouped by tenant. Publishing never
// blocks: a subscriber whose buffer is full is disconnected.
type Hub struct {
	mu             sync.RWMutex
	subscribers    map[string]map[*subscriber]struct{}
	sendBuffer     int
	originPatterns []string
	logger         zerolog.Logger
}

func NewHub(sendBuffer int, originPatterns []string, logger zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		subscribers:    make(map[string]map[*subscriber]struct{}),
		sendBuffer:     sendBuffer,
		originPatterns: originPatterns,
		logger:         logger.With().Str("component", "realtime_hub").Logger(),
	}
}

// ServeHTTP upgrades an authenticated request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := authz.ActorFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", actor.TenantID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{
		tenantID: actor.TenantID,
		userID:   actor.UserID,
		send:     make(chan []byte, h.sendBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with events")
		},
	}
	h.add(sub)
	defer h.remove(sub)

	// Clients never send; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case msg := <-sub.send:
			if err := writeWithTimeout(ctx, conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) BroadcastToTenant(_ context.Context, tenantID string, evt notification.LiveEvent) error {
	return h.publish(tenantID, "", evt)
}

func (h *Hub) BroadcastToUser(_ context.Context, tenantID, userID string, evt notification.LiveEvent) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	return h.publish(tenantID, userID, evt)
}

// Subscribers reports the number of connected clients of a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

func (h *Hub) publish(tenantID, userID string, evt notification.LiveEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrapf(err, "encode %s event", evt.Type)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[tenantID] {
		if userID != "" && sub.userID != userID {
			continue
		}
		select {
		case sub.send <- data:
		default:
			h.logger.Warn().
				Str("tenant_id", sub.tenantID).
				Str("user_id", sub.userID).
				Str("event", evt.Type).
				Msg("Disconnecting slow subscriber")
			go sub.closeSlow()
		}
	}
	return nil
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sub.tenantID] == nil {
		h.subscribers[sub.tenantID] = make(map[*subscriber]struct{})
	}
	h.subscribers[sub.tenantID][sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[sub.tenantID], sub)
	if len(h.subscribers[sub.tenantID]) == 0 {
		delete(h.subscribers, sub.tenantID)
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
