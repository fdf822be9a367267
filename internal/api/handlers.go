package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfleet/wolfleet/internal/fleet"
	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
)

// Handler handles HTTP requests.
type Handler struct {
	storage storage.Storage
	manager *wake.Manager
	poller  *fleet.Poller
	runner  *schedule.Runner
}

// NewHandler creates a new API handler. runner may be nil when the schedule
// runner is not active (one-shot CLI contexts).
func NewHandler(s storage.Storage, manager *wake.Manager, poller *fleet.Poller, runner *schedule.Runner) *Handler {
	return &Handler{storage: s, manager: manager, poller: poller, runner: runner}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Machine CRUD
	mux.HandleFunc("GET /api/machines", h.listMachines)
	mux.HandleFunc("POST /api/machines", h.createMachine)
	mux.HandleFunc("GET /api/machines/{id}", h.getMachine)
	mux.HandleFunc("PUT /api/machines/{id}", h.updateMachine)
	mux.HandleFunc("DELETE /api/machines/{id}", h.deleteMachine)

	// Search
	mux.HandleFunc("GET /api/search", h.searchMachines)

	// Wake sessions
	mux.HandleFunc("POST /api/machines/{id}/wake", h.wakeMachine)
	mux.HandleFunc("GET /api/wake", h.listWakeSessions)
	mux.HandleFunc("GET /api/wake/{id}", h.getWakeSession)
	mux.HandleFunc("DELETE /api/wake/{id}", h.cancelWakeSession)

	// Fleet status + poller control
	mux.HandleFunc("GET /api/status", h.fleetStatus)
	mux.HandleFunc("GET /api/status/ws", h.statusWebSocket)
	mux.HandleFunc("PUT /api/poller", h.setPollInterval)
	mux.HandleFunc("POST /api/poller/refresh", h.refreshFleet)

	// Wake schedules
	mux.HandleFunc("GET /api/schedules", h.listSchedules)
	mux.HandleFunc("POST /api/schedules", h.saveSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", h.getSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", h.deleteSchedule)
}

// listMachines handles GET /api/machines
func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	tags := r.URL.Query()["tag"]
	filter := &model.MachineFilter{Tags: tags}

	machines, err := h.storage.ListMachines(filter)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, machines)
}

// getMachine handles GET /api/machines/{id}
func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "machine ID required")
		return
	}

	machine, err := h.storage.GetMachine(id)
	if err != nil {
		if errors.Is(err, storage.ErrMachineNotFound) {
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, machine)
}

// createMachine handles POST /api/machines
func (h *Handler) createMachine(w http.ResponseWriter, r *http.Request) {
	var machine model.Machine
	if err := json.NewDecoder(r.Body).Decode(&machine); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if machine.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.storage.CreateMachine(&machine); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			h.writeError(w, http.StatusConflict, "machine already exists")
			return
		}
		if isValidationError(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, machine)
}

// updateMachine handles PUT /api/machines/{id}
func (h *Handler) updateMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "machine ID required")
		return
	}

	var machine model.Machine
	if err := json.NewDecoder(r.Body).Decode(&machine); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	machine.ID = id

	if err := h.storage.UpdateMachine(&machine); err != nil {
		if errors.Is(err, storage.ErrMachineNotFound) {
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		if isValidationError(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, machine)
}

// deleteMachine handles DELETE /api/machines/{id}
func (h *Handler) deleteMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "machine ID required")
		return
	}

	if err := h.storage.DeleteMachine(id); err != nil {
		if errors.Is(err, storage.ErrMachineNotFound) {
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		h.internalError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// searchMachines handles GET /api/search
func (h *Handler) searchMachines(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' required")
		return
	}

	machines, err := h.storage.SearchMachines(query)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, machines)
}

func isValidationError(err error) bool {
	return errors.Is(err, model.ErrInvalidMACFormat) ||
		errors.Is(err, model.ErrInvalidAddress) ||
		errors.Is(err, model.ErrBroadcastMismatch) ||
		errors.Is(err, model.ErrInvalidPort)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal server error")
}
