package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfleet/wolfleet/internal/model"
)

const (
	statusPushInterval = 5 * time.Second
	statusWriteTimeout = 5 * time.Second
)

var statusUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// statusEvent is one websocket frame: either a full fleet snapshot or an
// incremental per-machine update as a check lands.
type statusEvent struct {
	Type    string               `json:"type"` // "snapshot" or "update"
	Fleet   *fleetStatusResponse `json:"fleet,omitempty"`
	Machine *model.MachineStatus `json:"machine,omitempty"`
}

// statusWebSocket handles GET /api/status/ws. The client receives a full
// snapshot on connect, an incremental update for every machine check as it
// completes, and periodic snapshots carrying the countdown metadata.
func (h *Handler) statusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.serveStatusConnection(conn)
}

func (h *Handler) serveStatusConnection(conn *websocket.Conn) {
	defer conn.Close()

	updates := make(chan model.MachineStatus, 64)
	unsubscribe := h.poller.OnUpdate(func(st model.MachineStatus) {
		select {
		case updates <- st:
		default:
			// Slow consumer; it will catch up on the next snapshot.
		}
	})
	defer unsubscribe()

	if err := h.writeStatusEvent(conn, h.snapshotEvent()); err != nil {
		return
	}

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case st := <-updates:
			if err := h.writeStatusEvent(conn, statusEvent{Type: "update", Machine: &st}); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.writeStatusEvent(conn, h.snapshotEvent()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) snapshotEvent() statusEvent {
	fleet := &fleetStatusResponse{
		Machines: h.poller.Status(),
		Interval: h.poller.Interval().String(),
	}
	if next := h.poller.NextCheckAt(); !next.IsZero() {
		fleet.NextCheckAt = &next
	}
	return statusEvent{Type: "snapshot", Fleet: fleet}
}

func (h *Handler) writeStatusEvent(conn *websocket.Conn, ev statusEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	return conn.WriteJSON(ev)
}
