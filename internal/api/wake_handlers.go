package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
)

// wakeMachine handles POST /api/machines/{id}/wake.
// Starts a wake-and-verify session and returns its initial snapshot. The
// session runs in the background; progress is polled via GET /api/wake/{id}.
// Concurrent wake requests for the same machine are not serialized here.
func (h *Handler) wakeMachine(w http.ResponseWriter, r *http.Request) {
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

	if machine.IPv4Address == "" {
		h.writeError(w, http.StatusBadRequest, "machine has no IPv4 address to verify against")
		return
	}

	// The session must outlive this request, so it is not tied to r.Context().
	session := h.manager.StartWake(context.Background(), *machine)
	h.writeJSON(w, http.StatusAccepted, session.Snapshot())
}

// listWakeSessions handles GET /api/wake
func (h *Handler) listWakeSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.List())
}

// getWakeSession handles GET /api/wake/{id}
func (h *Handler) getWakeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := h.manager.Get(id)
	if err != nil {
		if errors.Is(err, wake.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "wake session not found")
			return
		}
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, session.Snapshot())
}

// cancelWakeSession handles DELETE /api/wake/{id}. Cancelling a session that
// already finished is a no-op; the final snapshot is returned either way.
func (h *Handler) cancelWakeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := h.manager.Get(id)
	if err != nil {
		if errors.Is(err, wake.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "wake session not found")
			return
		}
		h.internalError(w, err)
		return
	}

	session.Cancel()
	h.writeJSON(w, http.StatusOK, session.Snapshot())
}
