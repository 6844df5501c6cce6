// Package httpapi exposes the review board over HTTP: collection
// listings, file content, annotation reads and writes, the
// notification ledger, and the push event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/hub"
	"github.com/modeltest/reviewboard/internal/library"
	"github.com/modeltest/reviewboard/internal/notify"
	"github.com/modeltest/reviewboard/internal/watcher"
)

// senderHeader carries the opaque client token that tags a save, so
// the originating tab can suppress its own echo.
const senderHeader = "X-Sender-Id"

// maxBodyBytes bounds annotation POST bodies.
const maxBodyBytes int64 = 1 << 20

// Server handles the review board HTTP API. All mutable state lives in
// the injected collaborators, so multiple isolated servers can coexist
// in tests.
type Server struct {
	store  *annotation.Store
	ledger *notify.Ledger
	hub    *hub.Hub
	lib    *library.Library
	logger *log.Logger
}

// NewServer creates a server over the given collaborators.
func NewServer(store *annotation.Store, ledger *notify.Ledger, h *hub.Hub, lib *library.Library, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[httpapi] ", log.LstdFlags)
	}
	return &Server{store: store, ledger: ledger, hub: h, lib: lib, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleRoot(w, r)
		return
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": s.hub.SessionCount(),
		})
		return
	case r.URL.Path == "/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
		return
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		s.handleWebSocket(w, r)
		return
	case r.URL.Path == "/notifications" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.ledger.List())
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodGet:
		s.handleListCollection(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "files" && r.Method == http.MethodGet:
		s.handleFile(w, r, parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "annotations" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Get(parts[1]))
	case len(parts) == 2 && parts[0] == "annotations" && r.Method == http.MethodPost:
		s.handleSaveAnnotation(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "notifications" && r.Method == http.MethodDelete:
		s.handleDeleteNotification(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleListCollection(w http.ResponseWriter, _ *http.Request, kind string) {
	entries, err := s.lib.List(watcher.Kind(kind))
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleFile serves one collection member: markdown rendered to HTML
// in a JSON envelope, markup streamed raw by the static file server.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, kind, id string) {
	format, ok := library.FormatFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unrecognized file %q", id))
		return
	}

	if format == library.FormatMarkdown {
		rendered, err := s.lib.Render(watcher.Kind(kind), id)
		if err != nil {
			s.writeFileError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rendered)
		return
	}

	path, err := s.lib.Path(watcher.Kind(kind), id)
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) writeFileError(w http.ResponseWriter, err error) {
	if errors.Is(err, library.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	// Listing still works for unaffected files; only this read failed.
	writeError(w, http.StatusInternalServerError, "io_failure", err.Error())
}

func (s *Server) handleSaveAnnotation(w http.ResponseWriter, r *http.Request, fileID string) {
	senderID := strings.TrimSpace(r.Header.Get(senderHeader))
	if senderID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+senderHeader+" header")
		return
	}

	var body struct {
		ModelDiagnosis   string `json:"modelDiagnosis"`
		RepairSuggestion string `json:"repairSuggestion"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}

	section := s.store.Set(fileID, body.ModelDiagnosis, body.RepairSuggestion)
	rec := s.ledger.Append(fileID, section, senderID)

	s.hub.Broadcast(hub.NewEvent(hub.EventDiagnosisUpdated, hub.DiagnosisUpdatedData{
		FileID:         fileID,
		Section:        section,
		SenderID:       senderID,
		NotificationID: rec.ID,
		Message:        rec.Message,
	}))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"section":        section,
		"notificationId": rec.ID,
	})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, _ *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification id")
		return
	}
	if err := s.ledger.Remove(id); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.hub.Broadcast(hub.NewEvent(hub.EventNotificationDeleted, hub.NotificationDeletedData{ID: id}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents serves the SSE push stream. The hub delivers the
// Connected event on registration; this handler then parks until the
// client goes away or the hub drops the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	transport := hub.NewSSETransport(w, flusher)
	session, err := s.hub.Register(transport)
	if err != nil {
		s.logger.Printf("SSE registration failed: %v", err)
		return
	}

	select {
	case <-r.Context().Done():
	case <-transport.Done():
	}
	s.hub.Unregister(session.ID)
}

// handleWebSocket serves the same event stream over a websocket, for
// non-browser monitors.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	transport := hub.NewWSTransport(conn)
	session, err := s.hub.Register(transport)
	if err != nil {
		_ = transport.Close()
		return
	}
	defer s.hub.Unregister(session.ID)

	// Inbound messages are ignored; the read loop only detects
	// disconnects.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Review Board</title>
</head>
<body>
    <h1>Review Board Server</h1>
    <p>Event stream: <code>http://%s/events</code></p>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host, r.Host)
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
