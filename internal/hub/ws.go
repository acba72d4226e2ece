package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pilot-run/pilot/internal/board"
	"github.com/pilot-run/pilot/internal/bus"
)

// wsRegisterTimeout bounds how long the hub waits for the mandatory
// first register frame before dropping the connection.
const wsRegisterTimeout = 5 * time.Second

// wsClient is one connected agent's WebSocket session: one
// mutex-guarded conn per socket, looked up by the session id the agent
// registers with.
type wsClient struct {
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

// handleConnect upgrades to WebSocket. The first frame must be a
// register; every frame after that is routed by type.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	var first Frame
	readCtx, cancel := context.WithTimeout(r.Context(), wsRegisterTimeout)
	err = wsjson.Read(readCtx, conn, &first)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected register frame")
		return
	}
	first.Type = "register"
	if err := validateFrame(first, true); err != nil {
		_ = wsjson.Write(r.Context(), conn, Frame{Type: "error", SessionID: first.SessionID, Error: err.Error()})
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid register frame")
		return
	}

	c := &wsClient{sessionID: first.SessionID, conn: conn}
	s.addClient(c)
	s.cfg.Log("hub: %s connected", c.sessionID)
	defer func() {
		s.removeClient(c)
		s.cfg.Log("hub: %s disconnected", c.sessionID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := s.cfg.Sessions.Heartbeat(c.sessionID); err != nil {
		s.cfg.Log("hub: register heartbeat %s: %v", c.sessionID, err)
	}
	if err := c.write(r.Context(), Frame{Type: "welcome", SessionID: c.sessionID}); err != nil {
		return
	}

	for {
		var f Frame
		if err := wsjson.Read(r.Context(), conn, &f); err != nil {
			return
		}
		s.routeFrame(r.Context(), c, f)
	}
}

// routeFrame dispatches one validated inbound frame to its handler,
// writing an error frame back on validation failure rather than closing
// the socket; invalid messages yield an error reply.
func (s *Server) routeFrame(ctx context.Context, c *wsClient, f Frame) {
	if f.SessionID == "" {
		f.SessionID = c.sessionID
	}
	if err := validateFrame(f, true); err != nil {
		_ = c.write(ctx, Frame{Type: "error", SessionID: c.sessionID, Error: err.Error()})
		return
	}

	switch f.Type {
	case "heartbeat":
		if err := s.cfg.Sessions.Heartbeat(f.SessionID); err != nil {
			_ = c.write(ctx, Frame{Type: "error", SessionID: c.sessionID, Error: err.Error()})
			return
		}
		s.setPressure(f.SessionID, f.Pressure)
	case "task_complete":
		if err := s.cfg.Sessions.ReleaseTask(f.SessionID); err != nil {
			s.cfg.Log("hub: ws task_complete release %s: %v", f.SessionID, err)
		}
		_, _ = s.cfg.Bus.Send(bus.Message{
			Type: "task_complete", From: f.SessionID, To: "*",
			Priority: bus.PriorityNormal, Payload: f.Result,
		})
	case "checkpoint":
		if s.cfg.Board != nil {
			var cp struct {
				TaskID string   `json:"taskId"`
				Step   string   `json:"step"`
				Files  []string `json:"files"`
			}
			_ = json.Unmarshal(f.Payload, &cp)
			_ = s.cfg.Board.Publish(board.Entry{
				SessionID: f.SessionID, Role: f.Role,
				TaskID: cp.TaskID, Step: cp.Step, Files: cp.Files,
			})
		}
		_, _ = s.cfg.Bus.Send(bus.Message{
			Type: "checkpoint", From: f.SessionID, Priority: bus.PriorityFYI, Payload: f.Payload,
		})
	case "ask_pm":
		// Non-blocking over WS: queue on the bus and let the daemon's
		// reply arrive as a later PM->agent frame pushed via Deliver.
		corrID := f.SessionID + ":" + f.Question
		_, err := s.cfg.Bus.Send(bus.Message{
			Type: "ask_pm", From: f.SessionID, To: "pm",
			Priority: bus.PriorityBlocking, Payload: f.Context, CorrelationID: corrID,
		})
		if err != nil {
			_ = c.write(ctx, Frame{Type: "error", SessionID: c.sessionID, Error: err.Error()})
		}
	case "request":
		_, err := s.cfg.Bus.Send(f.ToBusMessage())
		if err != nil {
			_ = c.write(ctx, Frame{Type: "error", SessionID: c.sessionID, Error: err.Error()})
		}
	}
}
