package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/wake"
)

func createTestMachine(t *testing.T, h *Handler, name string) model.Machine {
	t.Helper()

	body := `{
		"name": "` + name + `",
		"mac_address": "00:11:22:33:44:55",
		"ipv4_address": "192.168.1.50",
		"mask": "255.255.255.0",
		"broadcast_address": "192.168.1.255",
		"ping_port": 22
	}`

	req := httptest.NewRequest("POST", "/api/machines", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.createMachine(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	var machine model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machine); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return machine
}

func TestHandler_ListMachines(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/machines", nil)
	w := httptest.NewRecorder()

	h.listMachines(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var machines []model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(machines) != 0 {
		t.Errorf("Expected 0 machines, got %d", len(machines))
	}
}

func TestHandler_CreateMachine(t *testing.T) {
	h, _ := setupTestHandler()

	machine := createTestMachine(t, h, "nas")
	if machine.ID == "" {
		t.Errorf("Expected an assigned ID")
	}
	if machine.MACAddress != "00:11:22:33:44:55" {
		t.Errorf("Expected normalized MAC, got %s", machine.MACAddress)
	}
}

func TestHandler_CreateMachine_Validation(t *testing.T) {
	h, _ := setupTestHandler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing name", `{"mac_address": "00:11:22:33:44:55"}`, http.StatusBadRequest},
		{"invalid body", `{not json`, http.StatusBadRequest},
		{"bad MAC", `{"name": "x", "mac_address": "nope"}`, http.StatusBadRequest},
		{"broadcast mismatch", `{"name": "x", "mac_address": "00:11:22:33:44:55",
			"ipv4_address": "192.168.1.50", "mask": "255.255.255.0",
			"broadcast_address": "10.0.0.255"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/machines", bytes.NewReader([]byte(tt.body)))
			w := httptest.NewRecorder()
			h.createMachine(w, req)

			if w.Result().StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Result().StatusCode)
			}
		})
	}
}

func TestHandler_CreateMachine_Duplicate(t *testing.T) {
	h, _ := setupTestHandler()
	createTestMachine(t, h, "nas")

	body := `{"name": "nas", "mac_address": "66:77:88:99:aa:bb"}`
	req := httptest.NewRequest("POST", "/api/machines", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.createMachine(w, req)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Result().StatusCode)
	}
}

func TestHandler_GetMachine(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	req := httptest.NewRequest("GET", "/api/machines/"+created.ID, nil)
	req.SetPathValue("id", created.ID)
	w := httptest.NewRecorder()
	h.getMachine(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var machine model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machine); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if machine.Name != "nas" {
		t.Errorf("Expected name 'nas', got %s", machine.Name)
	}
}

func TestHandler_GetMachine_NotFound(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/machines/nonexistent", nil)
	req.SetPathValue("id", "nonexistent")
	w := httptest.NewRecorder()
	h.getMachine(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Result().StatusCode)
	}
}

func TestHandler_UpdateMachine(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	body := `{
		"name": "nas",
		"description": "updated",
		"mac_address": "00:11:22:33:44:55",
		"ping_port": 22
	}`
	req := httptest.NewRequest("PUT", "/api/machines/"+created.ID, bytes.NewReader([]byte(body)))
	req.SetPathValue("id", created.ID)
	w := httptest.NewRecorder()
	h.updateMachine(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var machine model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machine); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if machine.Description != "updated" {
		t.Errorf("Expected description 'updated', got %s", machine.Description)
	}
}

func TestHandler_UpdateMachine_NotFound(t *testing.T) {
	h, _ := setupTestHandler()

	body := `{"name": "x", "mac_address": "00:11:22:33:44:55", "ping_port": 22}`
	req := httptest.NewRequest("PUT", "/api/machines/nonexistent", bytes.NewReader([]byte(body)))
	req.SetPathValue("id", "nonexistent")
	w := httptest.NewRecorder()
	h.updateMachine(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Result().StatusCode)
	}
}

func TestHandler_DeleteMachine(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	req := httptest.NewRequest("DELETE", "/api/machines/"+created.ID, nil)
	req.SetPathValue("id", created.ID)
	w := httptest.NewRecorder()
	h.deleteMachine(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest("DELETE", "/api/machines/"+created.ID, nil)
	req.SetPathValue("id", created.ID)
	w = httptest.NewRecorder()
	h.deleteMachine(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 on double delete, got %d", w.Result().StatusCode)
	}
}

func TestHandler_SearchMachines(t *testing.T) {
	h, _ := setupTestHandler()
	createTestMachine(t, h, "nas")

	req := httptest.NewRequest("GET", "/api/search?q=nas", nil)
	w := httptest.NewRecorder()
	h.searchMachines(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var machines []model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(machines) != 1 {
		t.Errorf("Expected 1 machine, got %d", len(machines))
	}

	// Missing query parameter
	req = httptest.NewRequest("GET", "/api/search", nil)
	w = httptest.NewRecorder()
	h.searchMachines(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 without q, got %d", w.Result().StatusCode)
	}
}

func TestHandler_WakeMachine(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	req := httptest.NewRequest("POST", "/api/machines/"+created.ID+"/wake", nil)
	req.SetPathValue("id", created.ID)
	w := httptest.NewRecorder()
	h.wakeMachine(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	var snap wake.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if snap.SessionID == "" {
		t.Errorf("Expected a session ID")
	}
	if snap.MachineID != created.ID {
		t.Errorf("Expected machine ID %s, got %s", created.ID, snap.MachineID)
	}

	// The session is polled via GET and stopped via DELETE.
	req = httptest.NewRequest("GET", "/api/wake/"+snap.SessionID, nil)
	req.SetPathValue("id", snap.SessionID)
	w = httptest.NewRecorder()
	h.getWakeSession(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest("DELETE", "/api/wake/"+snap.SessionID, nil)
	req.SetPathValue("id", snap.SessionID)
	w = httptest.NewRecorder()
	h.cancelWakeSession(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 on cancel, got %d", w.Result().StatusCode)
	}

	session, err := h.manager.Get(snap.SessionID)
	if err != nil {
		t.Fatalf("Session disappeared: %v", err)
	}
	<-session.Done()
	if session.Succeeded() {
		t.Errorf("Cancelled session must not report success")
	}
}

func TestHandler_WakeMachine_NotFound(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("POST", "/api/machines/nonexistent/wake", nil)
	req.SetPathValue("id", "nonexistent")
	w := httptest.NewRecorder()
	h.wakeMachine(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Result().StatusCode)
	}
}

func TestHandler_WakeMachine_NoAddress(t *testing.T) {
	h, store := setupTestHandler()

	machine := &model.Machine{Name: "headless", MACAddress: "00:11:22:33:44:55"}
	if err := store.CreateMachine(machine); err != nil {
		t.Fatalf("Failed to seed machine: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/machines/"+machine.ID+"/wake", nil)
	req.SetPathValue("id", machine.ID)
	w := httptest.NewRecorder()
	h.wakeMachine(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Result().StatusCode)
	}
}

func TestHandler_ListWakeSessions(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/wake", nil)
	w := httptest.NewRecorder()
	h.listWakeSessions(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var snaps []wake.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("Expected 0 sessions, got %d", len(snaps))
	}
}

func TestHandler_GetWakeSession_NotFound(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/wake/nonexistent", nil)
	req.SetPathValue("id", "nonexistent")
	w := httptest.NewRecorder()
	h.getWakeSession(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Result().StatusCode)
	}
}

func TestHandler_FleetStatus(t *testing.T) {
	h, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	h.fleetStatus(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var fs fleetStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&fs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if fs.Machines == nil {
		t.Errorf("Expected a machines array, got null")
	}
}

func TestHandler_SetPollInterval(t *testing.T) {
	h, _ := setupTestHandler()

	body := `{"interval_seconds": 300}`
	req := httptest.NewRequest("PUT", "/api/poller", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.setPollInterval(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Result().StatusCode)
	}

	// Only the offered presets are accepted.
	body = `{"interval_seconds": 45}`
	req = httptest.NewRequest("PUT", "/api/poller", bytes.NewReader([]byte(body)))
	w = httptest.NewRecorder()
	h.setPollInterval(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-preset interval, got %d", w.Result().StatusCode)
	}
}

func TestHandler_RefreshFleet(t *testing.T) {
	h, _ := setupTestHandler()
	createTestMachine(t, h, "nas")

	req := httptest.NewRequest("POST", "/api/poller/refresh", nil)
	w := httptest.NewRecorder()
	h.refreshFleet(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Result().StatusCode)
	}
	h.poller.Stop()

	// The manual pass records a status entry for the machine.
	if got := len(h.poller.Status()); got != 1 {
		t.Errorf("Expected 1 status entry after refresh, got %d", got)
	}
}

func TestHandler_SaveSchedule(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	body := `{"machine_id": "` + created.ID + `", "cron_expr": "0 7 * * 1-5", "enabled": true}`
	req := httptest.NewRequest("POST", "/api/schedules", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.saveSchedule(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var sched model.WakeSchedule
	if err := json.NewDecoder(resp.Body).Decode(&sched); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sched.ID == "" {
		t.Errorf("Expected an assigned schedule ID")
	}
}

func TestHandler_SaveSchedule_Validation(t *testing.T) {
	h, _ := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad cron", `{"machine_id": "` + created.ID + `", "cron_expr": "whenever"}`, http.StatusBadRequest},
		{"missing machine", `{"cron_expr": "0 7 * * *"}`, http.StatusBadRequest},
		{"unknown machine", `{"machine_id": "nonexistent", "cron_expr": "0 7 * * *"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/schedules", bytes.NewReader([]byte(tt.body)))
			w := httptest.NewRecorder()
			h.saveSchedule(w, req)

			if w.Result().StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Result().StatusCode)
			}
		})
	}
}

func TestHandler_DeleteSchedule(t *testing.T) {
	h, store := setupTestHandler()
	created := createTestMachine(t, h, "nas")

	sched := &model.WakeSchedule{MachineID: created.ID, CronExpr: "0 7 * * *", Enabled: true}
	if err := store.SaveSchedule(sched); err != nil {
		t.Fatalf("Failed to seed schedule: %v", err)
	}

	req := httptest.NewRequest("DELETE", "/api/schedules/"+sched.ID, nil)
	req.SetPathValue("id", sched.ID)
	w := httptest.NewRecorder()
	h.deleteSchedule(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest("DELETE", "/api/schedules/"+sched.ID, nil)
	req.SetPathValue("id", sched.ID)
	w = httptest.NewRecorder()
	h.deleteSchedule(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 on double delete, got %d", w.Result().StatusCode)
	}
}
