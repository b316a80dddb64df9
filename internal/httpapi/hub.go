package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Notification is the push message shape delivered over the websocket
// feed. Sync announcements carry type "sync"; everything else is shown to
// the user as-is.
type Notification struct {
	Type               string         `json:"type"`
	Title              string         `json:"title,omitempty"`
	Body               string         `json:"body,omitempty"`
	Icon               string         `json:"icon,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type hubClient struct {
	accountID string
	send      chan Notification
}

// Hub fans notifications out to connected agents. Each client gets a
// buffered channel; a client too slow to drain it is dropped rather than
// blocking the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: map[*hubClient]struct{}{}}
}

func (h *Hub) register(accountID string) *hubClient {
	client := &hubClient{
		accountID: accountID,
		send:      make(chan Notification, 16),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// BroadcastSync tells every agent of one account that new data is waiting.
func (h *Hub) BroadcastSync(accountID string) {
	h.broadcast(accountID, Notification{
		Type:  "sync",
		Title: "Data updated",
		Body:  "New changes are available.",
		Tag:   "sync",
	})
}

// BroadcastUpdate announces a new application version to every client.
func (h *Hub) BroadcastUpdate(version string) {
	h.broadcast("", Notification{
		Type:               "app-update",
		Title:              "Update available",
		Body:               "A new version is ready to install.",
		Tag:                "app-update",
		Data:               map[string]any{"version": version},
		RequireInteraction: true,
		Actions: []Action{
			{Action: "reload", Title: "Reload now"},
			{Action: "dismiss", Title: "Later"},
		},
	})
}

// Broadcast delivers an arbitrary notification to one account, or to all
// connected clients when accountID is empty.
func (h *Hub) Broadcast(accountID string, note Notification) {
	h.broadcast(accountID, note)
}

func (h *Hub) broadcast(accountID string, note Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if accountID != "" && client.accountID != accountID {
			continue
		}
		select {
		case client.send <- note:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// ClientCount reports connected clients, for the dashboard.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	client := s.hub.register(claims.AccountID)
	defer s.hub.unregister(client)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	// Reads are drained so pings and client close frames are processed;
	// the feed itself is one-way.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-client.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, note)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
