package api

import (
	"encoding/json"
	"net/http"

	"docsync/internal/services/collab"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests for the diagnostics surface and the
// websocket entry point.
type Handler struct {
	collab    CollabService
	wsHandler *collab.WebSocketHandler
}

func NewHandler(service CollabService, wsHandler *collab.WebSocketHandler) *Handler {
	return &Handler{
		collab:    service,
		wsHandler: wsHandler,
	}
}

// GetStats reports the total live connection count.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": h.collab.LiveConnections(),
	})
}

// GetSubscriberCount reports how many connections are subscribed to a
// document.
func (h *Handler) GetSubscriberCount(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"subscribers": h.collab.SubscriberCount(documentID),
	})
}

// SyncDocument triggers a full-state rebroadcast to every subscriber of a
// document. Used by operational tooling, not by clients.
func (h *Handler) SyncDocument(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if err := h.collab.SyncDocument(r.Context(), documentID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": documentID,
		"status":      "synced",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
