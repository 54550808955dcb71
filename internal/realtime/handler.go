package realtime

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cotask/api/internal/app"
)

// Handler upgrades /api/realtime requests. Authentication happens before
// the upgrade via the token query parameter (browsers cannot set headers
// on websocket dials), falling back to a bearer header for other
// clients.
type Handler struct {
	hub     *Hub
	service *app.Service
	log     *logrus.Entry
}

func NewHandler(hub *Hub, service *app.Service, log *logrus.Logger) *Handler {
	return &Handler{
		hub:     hub,
		service: service,
		log:     log.WithField("component", "realtime"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	viewer, err := h.service.SessionFromToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept")
		return
	}

	connectionID := uuid.NewString()
	client := newClient(h.hub, conn, viewer, connectionID)
	h.hub.register <- client

	client.enqueue(WelcomeFrame{
		Type:         TypeWelcome,
		ConnectionID: connectionID,
		UserID:       viewer.UserID,
		UserName:     viewer.UserName,
	})

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}
