package hub

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/perr"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	f, err := decodeFrame(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Type = "register"
	if err := validateFrame(f, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Sessions.Heartbeat(f.SessionID); err != nil {
		s.cfg.Log("register: heartbeat %s: %v", f.SessionID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	f, err := decodeFrame(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Type = "heartbeat"
	if err := validateFrame(f, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Sessions.Heartbeat(f.SessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.setPressure(f.SessionID, f.Pressure)
	blocked := s.cfg.Escalation != nil && s.cfg.Escalation.IsBlocked(f.SessionID)
	resp := map[string]any{"ok": true, "blocked": blocked}
	if f.ClaimedTask != "" && s.cfg.Budget != nil {
		if result, err := s.cfg.Budget.Check(f.ClaimedTask, f.SessionID); err == nil {
			resp["budgetStatus"] = result.Status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	f, err := decodeFrame(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Type = "task_complete"
	f.TaskID = taskID
	if err := validateFrame(f, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Sessions.ReleaseTask(f.SessionID); err != nil {
		s.cfg.Log("task_complete: release %s: %v", f.SessionID, err)
	}
	// The claim is released regardless of the gate below: the agent's
	// work is done either way, only the merge advancement is held back.
	mergeAllowed := true
	if s.cfg.Review != nil {
		var res struct {
			DiffLines    int      `json:"diffLines"`
			ChangedFiles []string `json:"changedFiles"`
		}
		_ = json.Unmarshal(f.Result, &res)
		if err := s.cfg.Review.EnsureGate(taskID, res.DiffLines, res.ChangedFiles); err != nil {
			s.cfg.Log("task_complete: auto-review %s: %v", taskID, err)
		}
		allowed, err := s.cfg.Review.MergeAllowed(taskID)
		if err != nil {
			s.cfg.Log("task_complete: merge gate %s: %v", taskID, err)
		} else {
			mergeAllowed = allowed
		}
	}
	// Notify anyone blocked on this task: an untargeted broadcast so every
	// connected/bus-polling agent picks it up.
	topic := "task.completed"
	if !mergeAllowed {
		topic = "task.merge_blocked"
	}
	_, _ = s.cfg.Bus.Send(bus.Message{
		Type:     "task_complete",
		From:     f.SessionID,
		To:       "*",
		Topic:    topic,
		Priority: bus.PriorityNormal,
		Payload:  f.Result,
	})
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "mergeAllowed": mergeAllowed})
}

// handleAskPM long-polls (up to 130s) for the PM's answer to an
// agent's question, correlating on a fresh id and completing early if
// another component (e.g. a future Telegram/pattern scan) calls
// Server.Answer with the same correlation id.
func (s *Server) handleAskPM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	f, err := decodeFrame(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Type = "ask_pm"
	if err := validateFrame(f, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	corrID := f.SessionID + ":" + f.Question
	waiter := make(chan Frame, 1)
	s.pendingMu.Lock()
	s.pending[corrID] = waiter
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, corrID)
		s.pendingMu.Unlock()
	}()

	if _, err := s.cfg.Bus.Send(bus.Message{
		Type:          "ask_pm",
		From:          f.SessionID,
		To:            "pm",
		Priority:      bus.PriorityBlocking,
		Payload:       f.Context,
		CorrelationID: corrID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), askPMTimeout)
	defer cancel()
	select {
	case answer := <-waiter:
		writeJSON(w, http.StatusOK, map[string]any{"answer": answer.Payload})
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "ask-pm timed out waiting for an answer")
	}
}

// Answer delivers a PM answer to a session's pending ask-pm long-poll, if
// one is still waiting. Returns false if no waiter matched (already
// timed out, or answered by a different path).
func (s *Server) Answer(sessionID, question string, payload Frame) bool {
	corrID := sessionID + ":" + question
	s.pendingMu.Lock()
	waiter, ok := s.pending[corrID]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case waiter <- payload:
		return true
	default:
		return false
	}
}

// handleReport is the generic fallback: any message carrying a
// recognized "type" is validated and appended to the bus.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	f, err := decodeFrame(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateFrame(f, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.cfg.Bus.Send(f.ToBusMessage()); err != nil {
		if perr.Is(err, perr.ValidationError) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// handleMessages returns (and acknowledges) every pending bus message
// addressed to sessionId.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := sessionIDFromMessagesPath(r.URL.Path)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	msgs, cursor, err := s.cfg.Bus.Read(sessionID, bus.ReadOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if len(ids) > 0 {
		if err := s.cfg.Bus.Acknowledge(sessionID, cursor, ids); err != nil {
			s.cfg.Log("messages: acknowledge %s: %v", sessionID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
