package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pilot-run/pilot/internal/hub"
)

// wsConn wraps one live WebSocket connection with a write mutex, mirroring
// the hub server's own wsClient (internal/hub/ws.go).
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) write(ctx context.Context, f hub.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return wsjson.Write(ctx, w.conn, f)
}

func (w *wsConn) close() {
	_ = w.conn.Close(websocket.StatusNormalClosure, "disconnect")
}

func wsURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/api/connect"
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/api/connect"
}

// reconnectLoop dials /api/connect, blocks on the read loop until the
// socket drops, then retries with exponential backoff until
// ctx is cancelled or Disconnect sets the intentional flag.
func (c *Connector) reconnectLoop(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		served, err := c.dialAndServe(ctx)
		if err != nil {
			c.cfg.Log("connector: %s ws error: %v", c.cfg.SessionID, err)
		}
		if served {
			// A completed handshake resets the backoff: the next drop
			// starts the schedule over rather than where it left off.
			attempt = 0
		}

		if c.intentional.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(attempt)):
		}
		attempt++
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// dialAndServe connects, sends register, reconciles any bus traffic that
// arrived while disconnected, then reads frames until the socket closes.
// served reports whether the handshake completed (welcome received).
func (c *Connector) dialAndServe(ctx context.Context) (served bool, _ error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL(c.cfg.BaseURL), nil)
	cancel()
	if err != nil {
		return false, err
	}
	w := &wsConn{conn: conn}
	defer func() {
		c.setWS(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}()

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer handshakeCancel()
	if err := w.write(handshakeCtx, hub.Frame{
		Type: "register", SessionID: c.cfg.SessionID,
		Role: c.cfg.Role, Capabilities: c.cfg.Capabilities,
	}); err != nil {
		return false, err
	}
	var welcome hub.Frame
	if err := wsjson.Read(handshakeCtx, conn, &welcome); err != nil {
		return false, err
	}

	c.setWS(w)
	c.setHTTPOK(true)
	c.reconcileBus(ctx)

	for {
		var f hub.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return true, err
		}
		c.dispatch(f)
	}
}
