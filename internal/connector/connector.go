// Package connector implements the agent-side half of the hub
// transport: register over HTTP, then maintain a background WebSocket
// connection with exponential-backoff reconnect, falling back to HTTP
// and finally the file bus when the socket is down. Built on
// coder/websocket's dial/wsjson client surface, adapted to a
// reconnecting client instead of a one-shot verification script.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/hub"
	"github.com/pilot-run/pilot/internal/perr"
)

// reconcileTypes are the bus message types the connector replays to its
// handler after a reconnect, covering anything the PM sent while the
// socket was down.
var reconcileTypes = []string{"pm_response", "notify", "broadcast", "request", "task_delegate"}

// backoffSchedule is the exponential reconnect delay sequence, capped at
// 30s.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 30 * time.Second,
}

// nudgePollInterval is the short tick on which the connector checks its
// nudge marker, keeping blocking-priority wakeup latency low even when
// fsnotify misses the bus append.
const nudgePollInterval = 250 * time.Millisecond

// Config wires a Connector to one agent session's identity and the
// daemon's shared stores.
type Config struct {
	BaseURL      string
	SessionID    string
	Role         string
	Capabilities []string

	Bus *bus.Bus

	HTTPClient *http.Client
	Log        func(string, ...any)
}

// Connector is one agent helper's connection to the PM hub.
type Connector struct {
	cfg Config

	handlerMu sync.RWMutex
	handler   func(hub.Frame)

	wsMu        sync.Mutex
	ws          *wsConn
	intentional atomic.Bool

	httpOKMu sync.Mutex
	httpOK   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Connector. cfg.HTTPClient defaults to a 10s-timeout
// client; cfg.Log may be nil to discard log lines.
func New(cfg Config) *Connector {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = func(string, ...any) {}
	}
	return &Connector{cfg: cfg, handler: func(hub.Frame) {}}
}

// OnMessage registers the callback invoked, synchronously, for every
// PM->agent frame: pushed live over the WebSocket, or replayed from the
// bus during reconnect reconciliation.
func (c *Connector) OnMessage(fn func(hub.Frame)) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

func (c *Connector) dispatch(f hub.Frame) {
	c.handlerMu.RLock()
	fn := c.handler
	c.handlerMu.RUnlock()
	fn(f)
}

// Connect runs the synchronous HTTP register, then launches the
// background WebSocket upgrade-and-reconnect loop (the register result
// reports reachability synchronously; the socket upgrade never blocks
// the caller).
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.httpRegister(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.intentional.Store(false)
	go c.reconnectLoop(runCtx)
	go c.watchBus(runCtx)
	return nil
}

// watchBus runs alongside the WebSocket loop: it wakes on bus-file
// changes (the fsnotify watcher) and on this session's nudge marker (a
// short poll, so a blocking send wakes the reader without waiting out
// the watcher's debounce), draining anything addressed to this session.
// Messages pushed over a live socket never touch the bus file, so this
// never double-delivers; it covers exactly the file-bus fallback path.
func (c *Connector) watchBus(ctx context.Context) {
	if c.cfg.Bus == nil {
		return
	}
	w, err := c.cfg.Bus.CreateWatcher(ctx)
	if err != nil {
		c.cfg.Log("connector: %s bus watcher: %v", c.cfg.SessionID, err)
		return
	}
	nudge := time.NewTicker(nudgePollInterval)
	defer nudge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Ticks():
			c.reconcileBus(ctx)
		case <-nudge.C:
			if c.cfg.Bus.ConsumeNudge(c.cfg.SessionID) {
				c.reconcileBus(ctx)
			}
		}
	}
}

// Disconnect sets the intentional-disconnect flag, stops the reconnect
// loop, closes any live socket, and clears connection state.
func (c *Connector) Disconnect() {
	c.intentional.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	if c.done != nil {
		<-c.done
	}
}

// IsConnected reports the union of WS and HTTP reachability.
func (c *Connector) IsConnected() bool {
	c.wsMu.Lock()
	wsUp := c.ws != nil
	c.wsMu.Unlock()
	if wsUp {
		return true
	}
	c.httpOKMu.Lock()
	defer c.httpOKMu.Unlock()
	return c.httpOK
}

func (c *Connector) setHTTPOK(ok bool) {
	c.httpOKMu.Lock()
	c.httpOK = ok
	c.httpOKMu.Unlock()
}

func (c *Connector) setWS(w *wsConn) {
	c.wsMu.Lock()
	c.ws = w
	c.wsMu.Unlock()
}

func (c *Connector) currentWS() (*wsConn, bool) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws, c.ws != nil
}

// Send delivers f toward the PM: over the live WebSocket if connected,
// else by routing to the matching HTTP endpoint, else as a file-bus
// broadcast, so a message always has somewhere to go while the hub is
// down.
func (c *Connector) Send(ctx context.Context, f hub.Frame) error {
	f.SessionID = c.cfg.SessionID
	if ws, ok := c.currentWS(); ok {
		if err := ws.write(ctx, f); err == nil {
			return nil
		}
	}
	if err := c.sendHTTP(ctx, f); err == nil {
		return nil
	}
	return c.sendBus(f)
}

func (c *Connector) sendBus(f hub.Frame) error {
	if c.cfg.Bus == nil {
		return perr.New(perr.UnreachableHub, "connector: no bus configured for fallback")
	}
	m := f.ToBusMessage()
	if m.To == "" {
		m.To = "*"
	}
	_, err := c.cfg.Bus.Send(m)
	if err != nil {
		return perr.Wrap(perr.UnreachableHub, err, "connector: bus fallback send")
	}
	return nil
}

func (c *Connector) httpRegister(ctx context.Context) error {
	body := hub.Frame{
		Type: "register", SessionID: c.cfg.SessionID,
		Role: c.cfg.Role, Capabilities: c.cfg.Capabilities,
	}
	err := c.postJSON(ctx, "/api/register", body, nil)
	c.setHTTPOK(err == nil)
	return err
}

// sendHTTP routes f to the HTTP endpoint matching its type; types with
// no dedicated endpoint fall to the generic
// POST /api/report.
func (c *Connector) sendHTTP(ctx context.Context, f hub.Frame) error {
	var path string
	switch f.Type {
	case "register":
		path = "/api/register"
	case "heartbeat":
		path = "/api/heartbeat"
	case "task_complete":
		path = fmt.Sprintf("/api/tasks/%s/complete", f.TaskID)
	case "ask_pm":
		path = "/api/ask-pm"
	default:
		path = "/api/report"
	}
	err := c.postJSON(ctx, path, f, nil)
	c.setHTTPOK(err == nil)
	return err
}

func (c *Connector) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return perr.Wrap(perr.ValidationError, err, "connector: marshal %s", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return perr.Wrap(perr.IOError, err, "connector: build request %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return perr.Wrap(perr.UnreachableHub, err, "connector: post %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return perr.New(perr.UnreachableHub, "connector: %s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Messages polls GET /api/messages/{sessionId} once, for callers that
// prefer explicit polling over the WS push path (e.g. a connector not
// yet upgraded).
func (c *Connector) Messages(ctx context.Context) ([]bus.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/messages/"+c.cfg.SessionID, nil)
	if err != nil {
		return nil, perr.Wrap(perr.IOError, err, "connector: build messages request")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, perr.Wrap(perr.UnreachableHub, err, "connector: get messages")
	}
	defer resp.Body.Close()
	var body struct {
		Messages []bus.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, perr.Wrap(perr.IOError, err, "connector: decode messages")
	}
	return body.Messages, nil
}
