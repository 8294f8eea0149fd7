package api

import (
	"net/http"

	"docsync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Real-time collaboration entry point
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentWebSocket).Methods("GET")

	// Diagnostics surface
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/documents/{id}/subscribers", h.GetSubscriberCount).Methods("GET")
	api.HandleFunc("/documents/{id}/sync", h.SyncDocument).Methods("POST")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	return r
}
