package connector

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/hub"
	"github.com/pilot-run/pilot/internal/procworld"
	"github.com/pilot-run/pilot/internal/session"
)

func newTestHub(t *testing.T) (*hub.Server, *bus.Bus, *session.Registry, *httptest.Server) {
	t.Helper()
	paths := config.Resolve(t.TempDir())
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	procs := procworld.NewFake(1000)
	sessions := session.New(paths, clk, procs, 120*time.Second, 30*time.Minute)
	b := bus.New(paths, clk)
	s := hub.New(hub.Config{Sessions: sessions, Bus: b, Clock: clk})
	ts := httptest.NewServer(s.Handler())
	return s, b, sessions, ts
}

func TestConnectUpgradesToWebSocket(t *testing.T) {
	s, b, sessions, ts := newTestHub(t)
	defer ts.Close()
	if _, err := sessions.Create("agent", "worker", 1, 1000); err != nil {
		t.Fatal(err)
	}

	c := New(Config{BaseURL: ts.URL, SessionID: "sess-a", Role: "worker", Bus: b})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Connected("sess-a") && c.IsConnected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected hub and connector to agree the session is connected")
}

func TestSendDeliversHeartbeatOverWebSocket(t *testing.T) {
	s, _, sessions, ts := newTestHub(t)
	defer ts.Close()
	rec, err := sessions.Create("agent", "worker", 1, 1000)
	if err != nil {
		t.Fatal(err)
	}

	c := New(Config{BaseURL: ts.URL, SessionID: rec.SessionID, Role: "worker"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	for i := 0; i < 200 && !c.IsConnected(); i++ {
		time.Sleep(10 * time.Millisecond)
	}

	pressure := 0.75
	if err := c.Send(ctx, hub.Frame{Type: "heartbeat", Pressure: &pressure}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Pressure(rec.SessionID) == pressure {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected hub to observe pressure %v, got %v", pressure, s.Pressure(rec.SessionID))
}

func TestSendFallsBackToHTTPWhenNotConnected(t *testing.T) {
	s, _, sessions, ts := newTestHub(t)
	defer ts.Close()
	rec, err := sessions.Create("agent", "worker", 1, 1000)
	if err != nil {
		t.Fatal(err)
	}

	c := New(Config{BaseURL: ts.URL, SessionID: rec.SessionID, Role: "worker"})
	pressure := 0.2
	if err := c.Send(context.Background(), hub.Frame{Type: "heartbeat", Pressure: &pressure}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := s.Pressure(rec.SessionID); got != pressure {
		t.Fatalf("expected HTTP fallback to record pressure %v, got %v", pressure, got)
	}
}

func TestSendFallsBackToBusWhenHubUnreachable(t *testing.T) {
	_, b, _, ts := newTestHub(t)
	ts.Close() // force every HTTP/WS attempt to fail

	c := New(Config{BaseURL: ts.URL, SessionID: "sess-d", Role: "worker", Bus: b})
	if err := c.Send(context.Background(), hub.Frame{Type: "checkpoint"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, _, err := b.Read("pm", bus.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].From != "sess-d" {
		t.Fatalf("expected one bus fallback message from sess-d, got %+v", msgs)
	}
}

func TestReconcileDeliversBacklogExactlyOnce(t *testing.T) {
	_, b, _, ts := newTestHub(t)
	defer ts.Close()

	if _, err := b.Send(bus.Message{Type: "pm_response", From: "pm", To: "sess-e", Priority: bus.PriorityNormal, CorrelationID: "C-1"}); err != nil {
		t.Fatal(err)
	}

	var delivered []hub.Frame
	c := New(Config{BaseURL: ts.URL, SessionID: "sess-e", Role: "worker", Bus: b})
	c.OnMessage(func(f hub.Frame) { delivered = append(delivered, f) })

	c.reconcileBus(context.Background())
	if len(delivered) != 1 || delivered[0].CorrelationID != "C-1" {
		t.Fatalf("expected exactly one pm_response delivered, got %+v", delivered)
	}

	c.reconcileBus(context.Background())
	if len(delivered) != 1 {
		t.Fatalf("expected reconcile to be a no-op the second time, got %d deliveries", len(delivered))
	}
}

func TestWatchBusDrainsNudgedBlockingMessage(t *testing.T) {
	_, b, _, ts := newTestHub(t)
	defer ts.Close()

	delivered := make(chan hub.Frame, 4)
	c := New(Config{BaseURL: ts.URL, SessionID: "sess-f", Role: "worker", Bus: b})
	c.OnMessage(func(f hub.Frame) { delivered <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.watchBus(ctx)

	// A blocking request leaves a nudge marker; the watch loop's nudge
	// poll must notice it and drain the bus without any WS push.
	if _, err := b.Send(bus.Message{
		Type: "request", From: "pm", To: "sess-f",
		Priority: bus.PriorityBlocking, CorrelationID: "C-2",
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-delivered:
		if f.Type != "request" || f.CorrelationID != "C-2" {
			t.Fatalf("unexpected frame drained: %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected watchBus to drain the nudged blocking message")
	}
}
