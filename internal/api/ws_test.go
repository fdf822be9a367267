package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialStatusStream(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStatusWebSocketSnapshotOnConnect(t *testing.T) {
	h, _ := setupTestHandler()
	m := createTestMachine(t, h, "ws-host")

	// Seed one completed check so the snapshot carries real data.
	h.poller.CheckAll()

	conn := dialStatusStream(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev statusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if ev.Type != "snapshot" {
		t.Fatalf("first frame type = %q, want snapshot", ev.Type)
	}
	if ev.Fleet == nil {
		t.Fatalf("snapshot frame carries no fleet payload")
	}
	if len(ev.Fleet.Machines) != 1 {
		t.Fatalf("snapshot has %d machines, want 1", len(ev.Fleet.Machines))
	}
	st := ev.Fleet.Machines[0]
	if st.MachineID != m.ID {
		t.Errorf("snapshot machine ID = %q, want %q", st.MachineID, m.ID)
	}
	if st.LastKnownReachable {
		t.Errorf("machine should be down under the unreachable prober")
	}
	if st.LastCheckedAt == nil {
		t.Errorf("snapshot entry missing LastCheckedAt")
	}
}

func TestStatusWebSocketStreamsCheckUpdates(t *testing.T) {
	h, _ := setupTestHandler()
	m := createTestMachine(t, h, "ws-live")

	conn := dialStatusStream(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev statusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading snapshot frame: %v", err)
	}
	if ev.Type != "snapshot" {
		t.Fatalf("first frame type = %q, want snapshot", ev.Type)
	}

	// A check pass after connect lands as incremental update frames.
	h.poller.CheckAll()

	sawUpdate := false
	for !sawUpdate {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading update frame: %v", err)
		}
		if ev.Type != "update" {
			continue
		}
		if ev.Machine == nil {
			t.Fatalf("update frame carries no machine payload")
		}
		if ev.Machine.MachineID != m.ID {
			t.Errorf("update machine ID = %q, want %q", ev.Machine.MachineID, m.ID)
		}
		sawUpdate = true
	}
}
