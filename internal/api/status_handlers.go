package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wolfleet/wolfleet/internal/model"
)

// fleetStatusResponse is the fleet view served to UI collaborators,
// including the countdown metadata for the next scheduled pass.
type fleetStatusResponse struct {
	Machines    []model.MachineStatus `json:"machines"`
	Interval    string                `json:"interval"`
	NextCheckAt *time.Time            `json:"next_check_at,omitempty"`
}

// fleetStatus handles GET /api/status
func (h *Handler) fleetStatus(w http.ResponseWriter, r *http.Request) {
	resp := fleetStatusResponse{
		Machines: h.poller.Status(),
		Interval: h.poller.Interval().String(),
	}
	if next := h.poller.NextCheckAt(); !next.IsZero() {
		resp.NextCheckAt = &next
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// setPollInterval handles PUT /api/poller. The new interval is recorded as
// pending and takes effect at the next scheduled firing; it never shortens
// the wait already in progress.
func (h *Handler) setPollInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntervalSeconds int `json:"interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	interval := time.Duration(body.IntervalSeconds) * time.Second
	if !model.ValidPollInterval(interval) {
		h.writeError(w, http.StatusBadRequest, "interval must be one of 30, 60, 120, 300, 600 or 1800 seconds")
		return
	}

	h.poller.SetPendingInterval(interval)
	h.writeJSON(w, http.StatusOK, map[string]string{"pending_interval": interval.String()})
}

// refreshFleet handles POST /api/poller/refresh: run a manual check-all pass
// now, then re-arm the timer without the immediate pass a plain Start would
// add, so the fleet is not probed twice back to back.
func (h *Handler) refreshFleet(w http.ResponseWriter, r *http.Request) {
	h.poller.CheckAll()
	if interval := h.poller.Interval(); interval > 0 {
		h.poller.Reset(interval)
	}

	h.fleetStatus(w, r)
}
