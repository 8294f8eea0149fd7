package collab

import (
	"context"
	"log"
	"net/http"

	"docsync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy.
		return true
	},
}

// WebSocketHandler upgrades HTTP connections and hands them to the
// collaboration controller. Authentication happens upstream; the handler
// only needs the already-established user and session identity.
type WebSocketHandler struct {
	ctrl       *Controller
	sendBuffer int
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(ctrl *Controller, sendBuffer int) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WebSocketHandler{ctrl: ctrl, sendBuffer: sendBuffer}
}

// HandleDocumentConnection handles a websocket connection for a specific
// document: it registers the connection and immediately joins the document
// in the path. Subsequent join_document events may move the connection to
// another document.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	documentID := vars["id"]

	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		sessionID = ksuid.New().String()
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := NewSession(ConnectionID(userID, sessionID), wsConn, h.ctrl, h.sendBuffer)
	conn := h.ctrl.Connect(userID, sessionID, session)

	// The request context dies when this handler returns, but the pumps
	// outlive it. Keep the trace linkage, drop the cancellation.
	pumpCtx := context.WithoutCancel(ctx)

	// Start pumps before the join so the snapshot reply drains promptly.
	go session.WritePump(pumpCtx)
	go session.ReadPump(pumpCtx)

	h.ctrl.Join(pumpCtx, conn.ID, documentID)

	log.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, userID, sessionID)
}
