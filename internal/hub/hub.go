// Package hub implements the PM daemon's HTTP+WebSocket transport: a
// low-latency bidirectional channel between agent helpers and the PM,
// falling back to the file bus when an agent is unreachable over
// HTTP/WS. The wire surface is the closed agent/PM message-type set in
// frame.go.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pilot-run/pilot/internal/board"
	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/session"
)

// askPMTimeout bounds the long-poll in POST /api/ask-pm.
const askPMTimeout = 130 * time.Second

// ReviewGate consults (and, when missing, creates) a task's peer-review
// merge gate when the task completes. review.Manager satisfies it.
type ReviewGate interface {
	// EnsureGate runs the auto-reviewer for taskID unless a decision is
	// already persisted, so an explicit human approval or rejection is
	// never overwritten by a later automatic pass.
	EnsureGate(taskID string, diffLines int, changedFiles []string) error
	MergeAllowed(taskID string) (bool, error)
}

// Config wires the hub to the daemon's persistent stores.
type Config struct {
	Sessions   *session.Registry
	Bus        *bus.Bus
	Escalation *escalation.Engine
	Budget     *budget.Tracker
	Clock      clock.Clock

	// Review gates merge advancement on task completion. Nil skips
	// gating entirely (merge is always allowed).
	Review ReviewGate

	// Board receives each agent's checkpoint progress. Nil disables the
	// status board.
	Board *board.Board

	// AllowOrigins restricts cross-origin WebSocket upgrades (empty means
	// same-origin only).
	AllowOrigins []string

	Log func(string, ...any)
}

// Server is the hub: an http.Handler plus the live WebSocket client
// registry and in-flight ask-pm long-polls.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[string]*wsClient // sessionId -> client

	pressureMu sync.Mutex
	pressure   map[string]float64 // sessionId -> last reported pressure

	pendingMu sync.Mutex
	pending   map[string]chan Frame // correlationId -> waiter
}

// New builds a Server. cfg.Log may be nil to discard log lines.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = func(string, ...any) {}
	}
	return &Server{
		cfg:      cfg,
		clients:  map[string]*wsClient{},
		pressure: map[string]float64{},
		pending:  map[string]chan Frame{},
	}
}

// Handler returns the hub's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/tasks/", s.handleTaskComplete)
	mux.HandleFunc("/api/ask-pm", s.handleAskPM)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/messages/", s.handleMessages)
	mux.HandleFunc("/api/connect", s.handleConnect)
	return mux
}

// Deliver pushes a PM->agent frame to sessionID: over its live WebSocket
// if connected, else as a bus message for the agent to pick up on its
// next poll or reconnect-reconcile.
func (s *Server) Deliver(sessionID string, f Frame) error {
	f.SessionID = sessionID
	if c, ok := s.client(sessionID); ok {
		if err := c.write(context.Background(), f); err == nil {
			return nil
		}
		// WS write failed: fall through to the bus.
	}
	_, err := s.cfg.Bus.Send(bus.Message{
		Type:          f.Type,
		From:          "pm",
		To:            sessionID,
		Priority:      bus.PriorityNormal,
		Payload:       f.Payload,
		CorrelationID: f.CorrelationID,
	})
	return err
}

func (s *Server) client(sessionID string) (*wsClient, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	c, ok := s.clients[sessionID]
	return c, ok
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c.sessionID] = c
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if s.clients[c.sessionID] == c {
		delete(s.clients, c.sessionID)
	}
	s.clientsMu.Unlock()
}

// Connected reports whether sessionID currently has a live WebSocket.
func (s *Server) Connected(sessionID string) bool {
	_, ok := s.client(sessionID)
	return ok
}

func (s *Server) setPressure(sessionID string, p *float64) {
	if p == nil {
		return
	}
	s.pressureMu.Lock()
	s.pressure[sessionID] = *p
	s.pressureMu.Unlock()
}

// Pressure returns the last reported heartbeat pressure for sessionID,
// or 0 if none was ever reported.
func (s *Server) Pressure(sessionID string) float64 {
	s.pressureMu.Lock()
	defer s.pressureMu.Unlock()
	return s.pressure[sessionID]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func decodeFrame(r *http.Request) (Frame, error) {
	var f Frame
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// taskIDFromPath extracts "{id}" from "/api/tasks/{id}/complete".
func taskIDFromPath(path string) (string, bool) {
	path = strings.TrimPrefix(path, "/api/tasks/")
	path = strings.TrimSuffix(path, "/")
	if !strings.HasSuffix(path, "/complete") {
		return "", false
	}
	id := strings.TrimSuffix(path, "/complete")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		return "", false
	}
	return id, true
}

// sessionIDFromMessagesPath extracts "{sessionId}" from
// "/api/messages/{sessionId}".
func sessionIDFromMessagesPath(path string) string {
	return strings.TrimPrefix(path, "/api/messages/")
}
