package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/authz"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const secret = "hub-secret"

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(4, nil, zerolog.Nop())
	server := httptest.NewServer(authz.JWTMiddleware(secret)(hub))
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string, actor models.Actor) *websocket.Conn {
	t.Helper()
	token, err := authz.IssueToken(secret, actor, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"?access_token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, tenantID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers(tenantID) == n }, 2*time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var evt map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

func TestHubBroadcastsToTenantOnly(t *testing.T) {
	hub, url := startHub(t)
	alice := dial(t, url, models.Actor{TenantID: "t1", UserID: "alice"})
	bob := dial(t, url, models.Actor{TenantID: "t1", UserID: "bob"})
	other := dial(t, url, models.Actor{TenantID: "t2", UserID: "carol"})
	waitForSubscribers(t, hub, "t1", 2)
	waitForSubscribers(t, hub, "t2", 1)

	require.NoError(t, hub.BroadcastToTenant(context.Background(), "t1", notification.LiveEvent{
		Type:    notification.EventSyncStatus,
		Payload: map[string]string{"connection_id": "c1"},
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		evt := readEvent(t, conn)
		assert.Equal(t, notification.EventSyncStatus, evt["type"])
		assert.Equal(t, "c1", evt["payload"].(map[string]interface{})["connection_id"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := other.Read(ctx)
	assert.Error(t, err, "other tenant must not receive the event")
}

func TestHubBroadcastsToSingleUser(t *testing.T) {
	hub, url := startHub(t)
	alice := dial(t, url, models.Actor{TenantID: "t1", UserID: "alice"})
	bob := dial(t, url, models.Actor{TenantID: "t1", UserID: "bob"})
	waitForSubscribers(t, hub, "t1", 2)

	require.NoError(t, hub.BroadcastToUser(context.Background(), "t1", "bob", notification.LiveEvent{
		Type: notification.EventTicketIngestionStatus,
	}))

	evt := readEvent(t, bob)
	assert.Equal(t, notification.EventTicketIngestionStatus, evt["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := alice.Read(ctx)
	assert.Error(t, err)

	assert.Error(t, hub.BroadcastToUser(context.Background(), "t1", "", notification.LiveEvent{}))
}

func TestHubRejectsUnauthenticated(t *testing.T) {
	hub := NewHub(4, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, models.Actor{TenantID: "t1", UserID: "alice"})
	waitForSubscribers(t, hub, "t1", 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitForSubscribers(t, hub, "t1", 0)
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(1, nil, zerolog.Nop())
	closed := make(chan struct{}, 8)
	sub := &subscriber{
		tenantID:  "t1",
		send:      make(chan []byte, 1),
		closeSlow: func() { closed <- struct{}{} },
	}
	hub.add(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.BroadcastToTenant(context.Background(), "t1", notification.LiveEvent{Type: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
}
