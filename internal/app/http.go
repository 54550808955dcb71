package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/auth"
	"cotask/api/internal/presence"
	"cotask/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Entry

	realtime http.Handler
	metrics  http.Handler
	checks   map[string]func(context.Context) error
}

func NewHTTPServer(service *Service, corsOrigin string, log *logrus.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.WithField("component", "http"),
		checks:     map[string]func(context.Context) error{},
	}
}

// MountRealtime attaches the websocket endpoint at /api/realtime.
func (s *HTTPServer) MountRealtime(handler http.Handler) {
	s.realtime = handler
}

// MountMetrics attaches the Prometheus endpoint at /metrics.
func (s *HTTPServer) MountMetrics(handler http.Handler) {
	s.metrics = handler
}

// AddReadyCheck registers a named dependency probe for /api/ready.
func (s *HTTPServer) AddReadyCheck(name string, ping func(context.Context) error) {
	s.checks[name] = ping
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/realtime" && s.realtime != nil {
		s.realtime.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"userName":  session.UserName,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/activity/") {
		s.handleActivityMutation(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/activity" {
		records, err := s.service.PersonalActivity(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": records})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		payload, err := s.service.Notifications(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications/group-activity" {
		hasActivity, err := s.service.CheckGroupActivity(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hasActivity": hasActivity})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/messages" {
		messages, err := s.service.PersonalMessages(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/messages/conversation" {
		other := strings.TrimSpace(r.URL.Query().Get("user"))
		messages, err := s.service.ConversationMessages(r.Context(), session.UserID, other)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/messages" {
		var body struct {
			ReceiverID string `json:"receiverId"`
			Content    string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SendMessage(r.Context(), session, body.ReceiverID, body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	// POST /api/messages/{id}/read
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "messages" && parts[3] == "read" {
		if err := s.service.MarkMessageRead(r.Context(), session.UserID, parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/groups" {
		groups, err := s.service.GroupsForViewer(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}

	// /api/groups/{id}/...
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "groups" {
		s.handleGroupScoped(w, r, session, parts[2], parts[3])
		return
	}

	// POST /api/groups/{id}/messages/read
	if r.Method == http.MethodPost && len(parts) == 5 && parts[0] == "api" && parts[1] == "groups" && parts[3] == "messages" && parts[4] == "read" {
		affected, err := s.service.MarkGroupMessagesRead(r.Context(), session.UserID, parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": affected})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tasks" {
		tasks, err := s.service.TasksPersonal(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/tasks" {
		var body struct {
			Text    string `json:"text"`
			GroupID string `json:"groupId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTask(r.Context(), session, body.Text, body.GroupID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	// POST /api/tasks/{id}/toggle
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "tasks" && parts[3] == "toggle" {
		payload, err := s.service.ToggleTask(r.Context(), session.UserID, parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// DELETE /api/tasks/{id}
	if r.Method == http.MethodDelete && len(parts) == 3 && parts[0] == "api" && parts[1] == "tasks" {
		if err := s.service.DeleteTask(r.Context(), session.UserID, parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, ping := range s.checks {
		checks[name] = map[string]any{"status": "ok"}
		if err := ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleActivityMutation covers the four presence writes. The connection
// id comes from X-Connection-ID so an HTTP write lands in the same
// session as the caller's websocket; without the header each request is
// its own short-lived session.
func (s *HTTPServer) handleActivityMutation(w http.ResponseWriter, r *http.Request, session Session) {
	connectionID := strings.TrimSpace(r.Header.Get("X-Connection-ID"))
	if connectionID == "" {
		connectionID = util.NewID("con")
	}
	svc := s.service.Presence()

	switch strings.TrimPrefix(r.URL.Path, "/api/activity/") {
	case "typing":
		var body struct {
			Username string `json:"username"`
			Action   string `json:"action"`
			TargetID string `json:"targetId"`
			GroupID  string `json:"groupId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		username := strings.TrimSpace(body.Username)
		if username == "" {
			username = session.UserName
		}
		action := presence.Action(body.Action)
		if body.Action == "" {
			action = presence.ActionTyping
		}
		err := svc.SetActivity(r.Context(), session.UserID, connectionID, username, action, body.TargetID, body.GroupID)
		if err != nil {
			writeMappedError(w, err)
			return
		}

	case "cursor":
		var body struct {
			GroupID  string            `json:"groupId"`
			TaskID   string            `json:"taskId"`
			Position presence.Position `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := svc.SetCursor(r.Context(), session.UserID, connectionID, body.GroupID, body.TaskID, body.Position)
		if err != nil {
			writeMappedError(w, err)
			return
		}

	case "selection":
		var body struct {
			GroupID   string         `json:"groupId"`
			TaskID    string         `json:"taskId"`
			Selection presence.Range `json:"selection"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := svc.SetSelection(r.Context(), session.UserID, connectionID, body.GroupID, body.TaskID, body.Selection)
		if err != nil {
			writeMappedError(w, err)
			return
		}

	case "clear":
		var body struct {
			Action string `json:"action"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := svc.Clear(r.Context(), session.UserID, connectionID, presence.Action(body.Action))
		if err != nil {
			writeMappedError(w, err)
			return
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGroupScoped(w http.ResponseWriter, r *http.Request, session Session, groupID, resource string) {
	switch {
	case r.Method == http.MethodGet && resource == "activity":
		records, err := s.service.GroupActivity(r.Context(), session.UserID, groupID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": records})

	case r.Method == http.MethodGet && resource == "messages":
		messages, err := s.service.GroupMessages(r.Context(), session.UserID, groupID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})

	case r.Method == http.MethodPost && resource == "messages":
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SendGroupMessage(r.Context(), session, groupID, body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case r.Method == http.MethodGet && resource == "tasks":
		tasks, err := s.service.TasksInGroup(r.Context(), session.UserID, groupID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Connection-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := MapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// MapError translates service-layer failures into the HTTP error
// taxonomy. The realtime layer uses the same mapping for error frames.
func MapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, presence.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	if errors.Is(err, presence.ErrNotAuthorized) {
		return http.StatusForbidden, "NOT_AUTHORIZED", "Not authorized", nil
	}
	if errors.Is(err, presence.ErrInvalidArgument) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
