package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"energymonitor/internal/entry"
	"energymonitor/internal/monitor"

	"go.uber.org/zap"
)

// Rooms is the room management surface the server exposes
type Rooms interface {
	Rooms() []monitor.RoomSnapshot
	Create(in monitor.RoomInput) (entry.Entry, error)
	Reconfigure(entryID string, in monitor.RoomInput) error
	Remove(entryID string) error
}

// IntegrityChecker reports room references that match no configured room
type IntegrityChecker interface {
	CheckIntegrity() []monitor.Dangling
}

// HealthFunc reports whether the service is connected and synced
type HealthFunc func() (connected, synced bool)

// Server provides HTTP API endpoints for the energy and power monitor
type Server struct {
	rooms     Rooms
	integrity IntegrityChecker
	health    HealthFunc
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(rooms Rooms, integrity IntegrityChecker, health HealthFunc, metrics http.Handler, logger *zap.Logger, port int) *Server {
	s := &Server{
		rooms:     rooms,
		integrity: integrity,
		health:    health,
		logger:    logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/api/rooms/", s.handleRoom)
	mux.HandleFunc("/api/integrity", s.handleIntegrity)
	mux.HandleFunc("/health", s.handleHealth)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's request router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ErrorResponse mirrors the form errors of the room wizard
type ErrorResponse struct {
	Errors map[string]string `json:"errors"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entry.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Errors: map[string]string{"base": "not_found"}})
	case errors.Is(err, entry.ErrInvalidConfig):
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Errors: map[string]string{"base": "invalid", "detail": err.Error()}})
	case errors.Is(err, entry.ErrReadOnly):
		s.writeJSON(w, http.StatusConflict, ErrorResponse{Errors: map[string]string{"base": "read_only"}})
	default:
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Errors: map[string]string{"base": "unknown"}})
	}
}

// handleRooms lists rooms (GET) or creates one (POST)
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.rooms.Rooms())
		s.logger.Debug("Rooms request served", zap.String("remote_addr", r.RemoteAddr))

	case http.MethodPost:
		var in monitor.RoomInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		e, err := s.rooms.Create(in)
		if err != nil {
			s.logger.Warn("Failed to create room", zap.String("room", in.Room), zap.Error(err))
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, e)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRoom reconfigures (PUT) or removes (DELETE) one room
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, room := range s.rooms.Rooms() {
			if room.EntryID == id {
				s.writeJSON(w, http.StatusOK, room)
				return
			}
		}
		s.writeError(w, entry.ErrNotFound)

	case http.MethodPut:
		var in monitor.RoomInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.rooms.Reconfigure(id, in); err != nil {
			s.logger.Warn("Failed to reconfigure room", zap.String("entry_id", id), zap.Error(err))
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.rooms.Remove(id); err != nil {
			s.logger.Warn("Failed to remove room", zap.String("entry_id", id), zap.Error(err))
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleIntegrity lists derived sensor references without a matching room
func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dangling := s.integrity.CheckIntegrity()
	if dangling == nil {
		dangling = []monitor.Dangling{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"dangling": dangling})
}

// handleHealth reports connection and sync status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connected, synced := true, true
	if s.health != nil {
		connected, synced = s.health()
	}
	status, code := "ok", http.StatusOK
	if !connected || !synced {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"connected": connected,
		"synced":    synced,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/api/rooms", Method: "GET", Description: "All rooms with their derived sensors"},
	{Path: "/api/rooms", Method: "POST", Description: "Create a room from {room, entity_type, entities, integration_rooms, smart_meter_device}"},
	{Path: "/api/rooms/{entry_id}", Method: "GET", Description: "One room"},
	{Path: "/api/rooms/{entry_id}", Method: "PUT", Description: "Reconfigure a room"},
	{Path: "/api/rooms/{entry_id}", Method: "DELETE", Description: "Remove a room and its derived sensors"},
	{Path: "/api/integrity", Method: "GET", Description: "Room references that match no configured room"},
	{Path: "/health", Method: "GET", Description: "Connection and sync status"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Energy and Power Monitor API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Energy and Power Monitor API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Energy and Power Monitor API\n")
		fmt.Fprintf(w, "============================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-8s %-24s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:8081/api/rooms | jq\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
