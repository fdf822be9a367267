package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// listSchedules handles GET /api/schedules
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")

	schedules, err := h.storage.ListSchedules(machineID)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, schedules)
}

// getSchedule handles GET /api/schedules/{id}
func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sched, err := h.storage.GetSchedule(id)
	if err != nil {
		if errors.Is(err, storage.ErrScheduleNotFound) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sched)
}

// saveSchedule handles POST /api/schedules (create or update)
func (h *Handler) saveSchedule(w http.ResponseWriter, r *http.Request) {
	var sched model.WakeSchedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if sched.MachineID == "" {
		h.writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	if err := schedule.ValidateExpr(sched.CronExpr); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}
	if _, err := h.storage.GetMachine(sched.MachineID); err != nil {
		if errors.Is(err, storage.ErrMachineNotFound) {
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		h.internalError(w, err)
		return
	}

	if err := h.storage.SaveSchedule(&sched); err != nil {
		h.internalError(w, err)
		return
	}

	h.reloadRunner()
	h.writeJSON(w, http.StatusOK, sched)
}

// deleteSchedule handles DELETE /api/schedules/{id}
func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.storage.DeleteSchedule(id); err != nil {
		if errors.Is(err, storage.ErrScheduleNotFound) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.internalError(w, err)
		return
	}

	h.reloadRunner()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadRunner() {
	if h.runner == nil {
		return
	}
	if err := h.runner.Reload(); err != nil {
		// Persisted state is already updated; the runner catches up on the
		// next successful reload or restart.
		log.Error("Schedule runner reload failed", "error", err)
	}
}
