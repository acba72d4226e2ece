package bus

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
)

func newTestBus(t *testing.T) (*Bus, config.Paths, *clock.Fake) {
	t.Helper()
	paths := config.Resolve(t.TempDir())
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(paths, clk), paths, clk
}

func TestSendRejectsUnknownType(t *testing.T) {
	b, _, _ := newTestBus(t)
	_, err := b.Send(Message{From: "agent-a", Type: "not_a_real_type", Priority: PriorityNormal})
	if err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}

func TestSendAndReadRoundTrip(t *testing.T) {
	b, _, _ := newTestBus(t)
	id, err := b.Send(Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, cursor, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected to read back sent message, got %+v", msgs)
	}
	if err := b.Acknowledge("agent-b", cursor, []string{id}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	msgs, _, err = b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no new messages after ack, got %+v", msgs)
	}
}

func TestReadOrdersByPriorityThenSenderSeq(t *testing.T) {
	b, _, _ := newTestBus(t)
	mustSend(t, b, Message{From: "agent-a", To: "pm", Type: "message", Priority: PriorityFYI})
	mustSend(t, b, Message{From: "agent-a", To: "pm", Type: "message", Priority: PriorityNormal})
	mustSend(t, b, Message{From: "agent-b", To: "pm", Type: "ask_pm", Priority: PriorityBlocking})
	mustSend(t, b, Message{From: "agent-a", To: "pm", Type: "message", Priority: PriorityBlocking})

	msgs, _, err := b.Read("pm", ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Priority != PriorityBlocking || msgs[1].Priority != PriorityBlocking {
		t.Fatalf("expected blocking messages first, got %+v", msgs)
	}
	// Within blocking, agent-b's message was sent before agent-a's second
	// blocking send call (arrival order preserved across senders).
	if msgs[2].Priority != PriorityNormal {
		t.Fatalf("expected normal priority third, got %+v", msgs[2])
	}
	if msgs[3].Priority != PriorityFYI {
		t.Fatalf("expected fyi priority last, got %+v", msgs[3])
	}
}

func TestReaderOnlySeesMessagesAddressedToIt(t *testing.T) {
	b, _, _ := newTestBus(t)
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})
	mustSend(t, b, Message{From: "agent-a", To: "agent-c", Type: "message", Priority: PriorityNormal})
	mustSend(t, b, Message{From: "agent-a", Type: "broadcast", Priority: PriorityFYI})

	msgs, _, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (direct + broadcast), got %d: %+v", len(msgs), msgs)
	}
}

func TestTTLExpiryBoundary(t *testing.T) {
	b, _, clk := newTestBus(t)
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal, TTLMs: 1000})

	clk.Advance(999 * time.Millisecond)
	msgs, _, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read before expiry: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected message still visible 1ms before TTL, got %d", len(msgs))
	}

	// Send a second message. The first Read persisted no cursor (only
	// Acknowledge does), so both messages are re-read and both are past
	// their TTL by then.
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal, TTLMs: 1000})
	clk.Advance(time.Second + time.Millisecond)
	msgs, _, err = b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read after expiry: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected message expired past TTL boundary, got %d", len(msgs))
	}
}

func TestMessageSizeBoundary(t *testing.T) {
	b, _, _ := newTestBus(t)
	// A small payload, well under the limit, is accepted.
	small := strings.Repeat("a", 10)
	_, err := b.Send(Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal, Payload: mustJSON(small)})
	if err != nil {
		t.Fatalf("expected small message to be accepted: %v", err)
	}

	big := strings.Repeat("a", MaxMessageBytes)
	_, err = b.Send(Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal, Payload: mustJSON(big)})
	if err == nil {
		t.Fatal("expected oversized message to be rejected")
	}
}

func TestCorruptCursorRecoversToEndOfBus(t *testing.T) {
	b, paths, _ := newTestBus(t)
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})

	if err := os.MkdirAll(paths.CursorsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cursorPath := paths.CursorFile("agent-b")
	if err := os.WriteFile(cursorPath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgs, cursor, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read with corrupt cursor: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected corrupt cursor to recover to end of bus (no replay), got %d messages", len(msgs))
	}
	info, _ := os.Stat(paths.BusFile)
	if cursor.ByteOffset != info.Size() {
		t.Fatalf("expected recovered cursor at end of bus, got offset %d want %d", cursor.ByteOffset, info.Size())
	}
}

func TestCompactArchivesSeenPrefixAndRebasesCursors(t *testing.T) {
	b, _, _ := newTestBus(t)
	id1, _ := b.Send(Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})
	_, cursorB, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Acknowledge("agent-b", cursorB, []string{id1}); err != nil {
		t.Fatal(err)
	}

	// agent-c reads but acknowledges nothing. Read does not persist a
	// cursor (only Acknowledge does), so agent-c has no cursor file and
	// does not hold compaction back.
	if _, _, err := b.Read("agent-c", ReadOptions{}); err != nil {
		t.Fatal(err)
	}
	// Send more data so there's something to compact away.
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})

	result, err := b.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	// agent-b's persisted cursor sits just past the first message, and it
	// is the only cursor file, so the first message is archived.
	if !result.Compacted && result.MinOffset == 0 {
		t.Fatalf("expected some compaction given read progress, got %+v", result)
	}
	if result.ArchivePath != "" {
		if _, err := os.Stat(result.ArchivePath); err != nil {
			t.Fatalf("expected archive file to exist: %v", err)
		}
	}

	// agent-b can still read its next message after compaction rebases
	// its cursor.
	msgs, _, err := b.Read("agent-b", ReadOptions{})
	if err != nil {
		t.Fatalf("read after compact: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected agent-b to still see the second message post-compact, got %d", len(msgs))
	}
}

func TestAckTimeoutRetriesThenDeadLetters(t *testing.T) {
	b, _, clk := newTestBus(t)
	_, err := b.Send(Message{
		From: "pm", To: "agent-a", Type: "command", Priority: PriorityBlocking,
		Ack: &AckSpec{Required: true, DeadlineMs: 1000, EscalationChain: []string{"agent-b", "agent-c"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	clk.Advance(2 * time.Second)
	results, err := b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts: %v", err)
	}
	if len(results) != 1 || results[0].Action != "escalated" || results[0].NextTo != "agent-b" {
		t.Fatalf("expected first escalation to agent-b, got %+v", results)
	}
	// The hop is a real bus message, not just a nudge: agent-b can read
	// a request correlated to the unacknowledged message.
	assertEscalationRequest(t, b, "agent-b")

	clk.Advance(6 * time.Minute)
	results, err = b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts (2): %v", err)
	}
	if len(results) != 1 || results[0].Action != "escalated" || results[0].NextTo != "agent-c" {
		t.Fatalf("expected second escalation to agent-c, got %+v", results)
	}
	assertEscalationRequest(t, b, "agent-c")

	// Third retry has no further chain hop: plain redelivery.
	clk.Advance(6 * time.Minute)
	results, err = b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts (3): %v", err)
	}
	if len(results) != 1 || results[0].Action != "retried" {
		t.Fatalf("expected a plain retry once the chain is exhausted, got %+v", results)
	}

	clk.Advance(6 * time.Minute)
	results, err = b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts (4): %v", err)
	}
	if len(results) != 1 || results[0].Action != "dead_lettered" {
		t.Fatalf("expected dead-lettering after exhausting retries, got %+v", results)
	}

	dlq, err := b.DeadLettered()
	if err != nil {
		t.Fatalf("dead lettered: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dlq))
	}

	// A dead-lettered entry is terminal: the next sweep must not
	// dead-letter it again.
	clk.Advance(6 * time.Minute)
	results, err = b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts (5): %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no further action on a dead-lettered ack, got %+v", results)
	}
}

func TestResponseResolvesPendingAck(t *testing.T) {
	b, _, clk := newTestBus(t)
	id, err := b.Send(Message{
		From: "pm", To: "agent-a", Type: "command", Priority: PriorityBlocking,
		Ack: &AckSpec{Required: true, DeadlineMs: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(Message{
		From: "agent-a", Type: "response", Priority: PriorityNormal, CorrelationID: id,
	}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Second)
	results, err := b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected response to clear the pending ack, got %+v", results)
	}
}

func TestResolveAckStopsRetries(t *testing.T) {
	b, _, clk := newTestBus(t)
	id, err := b.Send(Message{
		From: "pm", To: "agent-a", Type: "command", Priority: PriorityBlocking,
		Ack: &AckSpec{Required: true, DeadlineMs: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ResolveAck(id); err != nil {
		t.Fatalf("resolve ack: %v", err)
	}

	clk.Advance(2 * time.Second)
	results, err := b.ProcessAckTimeouts()
	if err != nil {
		t.Fatalf("process ack timeouts: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected resolved ack to be skipped, got %+v", results)
	}
}

func TestNudgeCreatesAndConsumesMarker(t *testing.T) {
	b, paths, _ := newTestBus(t)
	if err := b.Nudge("agent-a"); err != nil {
		t.Fatalf("nudge: %v", err)
	}
	if _, err := os.Stat(paths.NudgeFile("agent-a")); err != nil {
		t.Fatalf("expected nudge marker file: %v", err)
	}
	if !b.ConsumeNudge("agent-a") {
		t.Fatal("expected nudge to be consumed once")
	}
	if b.ConsumeNudge("agent-a") {
		t.Fatal("expected second consume to find nothing")
	}
}

func TestBlockingSendAutoNudgesRecipient(t *testing.T) {
	b, paths, _ := newTestBus(t)
	mustSend(t, b, Message{From: "pm", To: "agent-a", Type: "command", Priority: PriorityBlocking})
	if _, err := os.Stat(paths.NudgeFile("agent-a")); err != nil {
		t.Fatalf("expected auto-nudge on blocking send: %v", err)
	}
}

func mustSend(t *testing.T, b *Bus, m Message) string {
	t.Helper()
	id, err := b.Send(m)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return id
}

func mustJSON(s string) []byte {
	return []byte(`"` + s + `"`)
}

func TestWatcherFallsBackToPollingWithoutPanicking(t *testing.T) {
	b, _, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := b.CreateWatcher(ctx)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	mustSend(t, b, Message{From: "agent-a", To: "agent-b", Type: "message", Priority: PriorityNormal})
	select {
	case <-w.Ticks():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher tick")
	}
}

// assertEscalationRequest drains reader's bus view and checks an
// ack-escalation request (with its nudge marker) actually reached it.
func assertEscalationRequest(t *testing.T, b *Bus, reader string) {
	t.Helper()
	msgs, cursor, err := b.Read(reader, ReadOptions{Types: []string{"request"}})
	if err != nil {
		t.Fatalf("read %s: %v", reader, err)
	}
	var found *Message
	for i := range msgs {
		if msgs[i].Topic == "ack.escalation" {
			found = &msgs[i]
		}
	}
	if found == nil {
		t.Fatalf("expected %s to read an ack-escalation request, got %d message(s)", reader, len(msgs))
	}
	if found.CorrelationID == "" {
		t.Fatalf("escalation request missing correlation id: %+v", *found)
	}
	if !b.ConsumeNudge(reader) {
		t.Fatalf("expected %s to have been nudged for the blocking request", reader)
	}
	if err := b.Acknowledge(reader, cursor, []string{found.ID}); err != nil {
		t.Fatalf("acknowledge %s: %v", reader, err)
	}
}
