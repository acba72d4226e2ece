// Package telegram implements the inbox/outbox processor driving a chat
// operator's interaction with the daemon: a closed set of
// slash-command intents dispatched against the session registry,
// budget tracker, and escalation engine, two-sided conversation history
// kept as a ring buffer per chat, and pending approvals that
// auto-escalate via internal/escalation on expiry. The processor only
// touches the JSONL inbox/outbox files the daemon tick drains; the live
// Bot API connection lives in Bridge (bot.go), which shuttles between
// real chats and those files.
package telegram

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/session"
	"github.com/pilot-run/pilot/internal/shared"
)

// Closed intent set.
const (
	IntentStatus            = "status"
	IntentPS                = "ps"
	IntentMorningReport     = "morning_report"
	IntentBudget            = "budget"
	IntentApprove           = "approve"
	IntentReject            = "reject"
	IntentApproveEscalation = "approve_escalation"
	IntentRejectEscalation  = "reject_escalation"
	IntentIdea              = "idea"
	IntentPause             = "pause"
	IntentResume            = "resume"
	IntentKillAgent         = "kill_agent"
	IntentLogs              = "logs"
	IntentLockdown          = "lockdown"
)

var knownIntents = map[string]struct{}{
	IntentStatus: {}, IntentPS: {}, IntentMorningReport: {}, IntentBudget: {},
	IntentApprove: {}, IntentReject: {}, IntentApproveEscalation: {}, IntentRejectEscalation: {},
	IntentIdea: {}, IntentPause: {}, IntentResume: {}, IntentKillAgent: {},
	IntentLogs: {}, IntentLockdown: {},
}

// InboxEntry is one JSONL line appended by the bot client as messages
// arrive from an allowed chat.
type InboxEntry struct {
	ChatID     int64     `json:"chat_id"`
	From       string    `json:"from"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboxEntry is one JSONL line the bot client tails and delivers back
// to the chat.
type OutboxEntry struct {
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Turn is one side of a two-sided conversation history entry.
type Turn struct {
	Speaker string    `json:"speaker"` // "user" or "pilot"
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// PendingApproval tracks one outstanding human approval against the
// escalation it will re-trigger on expiry.
type PendingApproval struct {
	Key       string               `json:"key"`
	ChatID    int64                `json:"chat_id"`
	EventType escalation.EventType `json:"event_type"`
	SessionID string               `json:"session_id"`
	TaskID    string               `json:"task_id,omitempty"`
	Summary   string               `json:"summary"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type cursorDoc struct {
	Line int64 `json:"line"`
}

type conversationsDoc struct {
	Chats map[string][]Turn `json:"chats"`
}

type pendingDoc struct {
	Approvals map[string]PendingApproval `json:"approvals"`
}

// Processor is the daemon-side half of the Telegram integration: it
// drains the inbox, dispatches intents, and writes outbox replies. The
// live bot client (Bridge's tgbotapi polling loop) is a separate
// concern wired at the daemon layer; Processor only ever touches the
// JSONL/JSON files under paths.TelegramDir.
type Processor struct {
	paths  config.Paths
	pol    policy.Policy
	clock  clock.Clock
	esc    *escalation.Engine
	sess   *session.Registry
	budget *budget.Tracker
	log    func(string, ...any)
}

// New builds a Processor. log may be nil to discard log lines.
func New(paths config.Paths, pol policy.Policy, clk clock.Clock, esc *escalation.Engine, sess *session.Registry, bud *budget.Tracker, log func(string, ...any)) *Processor {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Processor{paths: paths, pol: pol, clock: clk, esc: esc, sess: sess, budget: bud, log: log}
}

// ParseIntent classifies raw inbox text: a leading "/name" selects one
// of the closed intents (unknown or malformed commands fall back to
// idea, same as free text), everything else is an idea submission.
func ParseIntent(text string) (intent, arg string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return IntentIdea, trimmed
	}
	fields := strings.SplitN(strings.TrimPrefix(trimmed, "/"), " ", 2)
	name := fields[0]
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}
	if _, ok := knownIntents[name]; !ok {
		return IntentIdea, trimmed
	}
	return name, arg
}

func (p *Processor) loadCursor() (int64, error) {
	data, err := os.ReadFile(p.paths.InboxCursorFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.IOError, err, "telegram: read inbox cursor")
	}
	var c cursorDoc
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, nil
	}
	return c.Line, nil
}

func (p *Processor) saveCursor(line int64) error {
	return atomicfile.WriteJSON(p.paths.InboxCursorFile, cursorDoc{Line: line})
}

func (p *Processor) loadConversations() (conversationsDoc, error) {
	data, err := os.ReadFile(p.paths.ConversationsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return conversationsDoc{Chats: map[string][]Turn{}}, nil
		}
		return conversationsDoc{}, perr.Wrap(perr.IOError, err, "telegram: read conversations")
	}
	var doc conversationsDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Chats == nil {
		return conversationsDoc{Chats: map[string][]Turn{}}, nil
	}
	return doc, nil
}

func (p *Processor) saveConversations(doc conversationsDoc) error {
	return atomicfile.WriteJSON(p.paths.ConversationsFile, doc)
}

// appendTurn records one turn for chatID and trims the history to the
// policy's two-sided ring buffer.
func (p *Processor) appendTurn(doc *conversationsDoc, chatID int64, speaker, text string) {
	key := fmt.Sprintf("%d", chatID)
	turns := append(doc.Chats[key], Turn{Speaker: speaker, Text: text, At: p.clock.Now()})
	max := p.pol.Telegram.ConversationTurns * 2
	if max <= 0 {
		max = 40
	}
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	doc.Chats[key] = turns
}

func (p *Processor) loadPending() (pendingDoc, error) {
	data, err := os.ReadFile(p.paths.PendingApprovalsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return pendingDoc{Approvals: map[string]PendingApproval{}}, nil
		}
		return pendingDoc{}, perr.Wrap(perr.IOError, err, "telegram: read pending approvals")
	}
	var doc pendingDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Approvals == nil {
		return pendingDoc{Approvals: map[string]PendingApproval{}}, nil
	}
	return doc, nil
}

func (p *Processor) savePending(doc pendingDoc) error {
	return atomicfile.WriteJSON(p.paths.PendingApprovalsFile, doc)
}

// RequestApproval records a new pending approval tied to an escalation
// key, due to expire after policy.Telegram.ApprovalTimeoutMin. Callers
// (e.g. the escalation engine's "human" level action) use this to put a
// human decision in front of the chat.
func (p *Processor) RequestApproval(chatID int64, eventType escalation.EventType, sessionID, taskID, summary string) error {
	doc, err := p.loadPending()
	if err != nil {
		return err
	}
	key := escalation.Key(eventType, sessionID, taskID)
	now := p.clock.Now()
	timeout := p.pol.Telegram.ApprovalTimeoutMin
	if timeout <= 0 {
		timeout = 60
	}
	doc.Approvals[key] = PendingApproval{
		Key: key, ChatID: chatID, EventType: eventType, SessionID: sessionID, TaskID: taskID,
		Summary: summary, CreatedAt: now, ExpiresAt: now.Add(time.Duration(timeout) * time.Minute),
	}
	return p.savePending(doc)
}

func (p *Processor) appendOutbox(chatID int64, text string) error {
	// Outbox lines end up in a real chat; scrub anything token-shaped.
	entry := OutboxEntry{ChatID: chatID, Text: shared.Redact(text), SentAt: p.clock.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return perr.Wrap(perr.ValidationError, err, "telegram: marshal outbox entry")
	}
	return atomicfile.AppendLine(p.paths.OutboxFile, data)
}

func ideasFile(paths config.Paths) string {
	return paths.TelegramDir + "/ideas.jsonl"
}

func pauseFile(paths config.Paths) string {
	return paths.TelegramDir + "/pause.json"
}

// Process drains every inbox line appended since the last call,
// dispatches its intent, and appends the resulting reply to the
// outbox. The inbox cursor only ever advances.
func (p *Processor) Process() (int, error) {
	cursor, err := p.loadCursor()
	if err != nil {
		return 0, err
	}

	f, err := os.Open(p.paths.InboxFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.IOError, err, "telegram: open inbox")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var line int64
	var pending []InboxEntry
	for scanner.Scan() {
		line++
		if line <= cursor {
			continue
		}
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var entry InboxEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			p.log("telegram: skipping malformed inbox line %d: %v", line, err)
			continue
		}
		pending = append(pending, entry)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return 0, perr.Wrap(perr.IOError, err, "telegram: scan inbox")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	convo, err := p.loadConversations()
	if err != nil {
		return 0, err
	}

	for _, entry := range pending {
		intent, arg := ParseIntent(entry.Text)
		p.appendTurn(&convo, entry.ChatID, "user", entry.Text)
		reply, err := p.dispatch(entry, intent, arg)
		if err != nil {
			reply = fmt.Sprintf("Error handling /%s: %v", intent, err)
		}
		p.appendTurn(&convo, entry.ChatID, "pilot", reply)
		if err := p.appendOutbox(entry.ChatID, reply); err != nil {
			return 0, err
		}
	}

	if err := p.saveConversations(convo); err != nil {
		return 0, err
	}
	if err := p.saveCursor(line); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// CheckApprovalTimeouts re-triggers the escalation behind every pending
// approval whose expires_at has passed and notifies its chat.
func (p *Processor) CheckApprovalTimeouts() (int, error) {
	doc, err := p.loadPending()
	if err != nil {
		return 0, err
	}
	if len(doc.Approvals) == 0 {
		return 0, nil
	}
	now := p.clock.Now()
	expired := 0
	for key, pa := range doc.Approvals {
		if now.Before(pa.ExpiresAt) {
			continue
		}
		if _, err := p.esc.Trigger(pa.EventType, pa.SessionID, pa.TaskID); err != nil {
			p.log("telegram: auto-escalate %s: %v", key, err)
			continue
		}
		summary := pa.Summary
		if summary == "" {
			summary = key
		}
		if err := p.appendOutbox(pa.ChatID, fmt.Sprintf("Approval timeout: %s. Auto-escalated.", summary)); err != nil {
			return expired, err
		}
		delete(doc.Approvals, key)
		expired++
	}
	if expired > 0 {
		if err := p.savePending(doc); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (p *Processor) dispatch(entry InboxEntry, intent, arg string) (string, error) {
	switch intent {
	case IntentStatus:
		return p.handleStatus()
	case IntentPS:
		return p.handlePS()
	case IntentMorningReport:
		return p.handleMorningReport()
	case IntentBudget:
		return p.handleBudget(arg)
	case IntentApprove:
		return p.handleApprove(arg)
	case IntentReject:
		return p.handleReject(arg)
	case IntentApproveEscalation:
		return p.handleEscalationDecision(arg, true)
	case IntentRejectEscalation:
		return p.handleEscalationDecision(arg, false)
	case IntentIdea:
		return p.handleIdea(entry.From, arg)
	case IntentPause:
		return p.handlePause(entry.From)
	case IntentResume:
		return p.handleResume()
	case IntentKillAgent:
		return p.handleKillAgent(arg)
	case IntentLogs:
		return p.handleLogs()
	case IntentLockdown:
		return p.handleLockdown()
	default:
		return fmt.Sprintf("Unrecognized intent %q.", intent), nil
	}
}

func (p *Processor) handleStatus() (string, error) {
	active, err := p.sess.ListActive()
	if err != nil {
		return "", err
	}
	blocked := 0
	for _, r := range active {
		if p.esc.IsBlocked(r.SessionID) {
			blocked++
		}
	}
	return fmt.Sprintf("%d agent(s) active, %d blocked.", len(active), blocked), nil
}

func (p *Processor) handlePS() (string, error) {
	active, err := p.sess.ListActive()
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return "No active agents.", nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].SessionID < active[j].SessionID })
	var b strings.Builder
	for _, r := range active {
		task := r.ClaimedTask
		if task == "" {
			task = "(idle)"
		}
		fmt.Fprintf(&b, "%s [%s] task=%s\n", r.SessionID, r.Role, task)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// handleMorningReport surfaces the most recently written overnight
// report, by filename order since report ids are
// chronological run ids.
func (p *Processor) handleMorningReport() (string, error) {
	entries, err := os.ReadDir(p.paths.OvernightReportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "No overnight report on file.", nil
		}
		return "", perr.Wrap(perr.IOError, err, "telegram: list overnight reports")
	}
	if len(entries) == 0 {
		return "No overnight report on file.", nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "No overnight report on file.", nil
	}
	sort.Strings(names)
	latest := names[len(names)-1]
	data, err := os.ReadFile(p.paths.OvernightReportsDir + "/" + latest)
	if err != nil {
		return "", perr.Wrap(perr.IOError, err, "telegram: read overnight report")
	}
	return string(data), nil
}

func (p *Processor) handleBudget(taskID string) (string, error) {
	if p.budget == nil {
		return "Budget tracker unavailable.", nil
	}
	result, err := p.budget.Check(taskID, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("budget status=%s task_tokens=%d agent_day_tokens=%d day_tokens=%d (~$%.2f today)",
		result.Status, result.TaskTokens, result.AgentDayTokens, result.DayTokens, p.budget.CostUSD(result.DayTokens)), nil
}

func (p *Processor) handleApprove(key string) (string, error) {
	doc, err := p.loadPending()
	if err != nil {
		return "", err
	}
	pa, ok := doc.Approvals[key]
	if !ok {
		return fmt.Sprintf("No pending approval %q.", key), nil
	}
	if err := p.esc.Resolve(pa.EventType, pa.SessionID, pa.TaskID, "telegram"); err != nil {
		return "", err
	}
	delete(doc.Approvals, key)
	if err := p.savePending(doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Approved %q.", key), nil
}

func (p *Processor) handleReject(key string) (string, error) {
	doc, err := p.loadPending()
	if err != nil {
		return "", err
	}
	pa, ok := doc.Approvals[key]
	if !ok {
		return fmt.Sprintf("No pending approval %q.", key), nil
	}
	if _, err := p.esc.Trigger(pa.EventType, pa.SessionID, pa.TaskID); err != nil {
		return "", err
	}
	delete(doc.Approvals, key)
	if err := p.savePending(doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rejected %q; escalation stays active.", key), nil
}

// handleEscalationDecision resolves or re-triggers an escalation named
// directly by the operator, format "event_type:session_id[:task_id]".
func (p *Processor) handleEscalationDecision(arg string, approve bool) (string, error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) < 2 {
		return "Usage: event_type:session_id[:task_id]", nil
	}
	eventType := escalation.EventType(parts[0])
	sessionID := parts[1]
	taskID := ""
	if len(parts) == 3 {
		taskID = parts[2]
	}
	if approve {
		if err := p.esc.Resolve(eventType, sessionID, taskID, "telegram"); err != nil {
			return "", err
		}
		return fmt.Sprintf("Resolved %s.", escalation.Key(eventType, sessionID, taskID)), nil
	}
	if _, err := p.esc.Trigger(eventType, sessionID, taskID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Escalation %s left active.", escalation.Key(eventType, sessionID, taskID)), nil
}

func (p *Processor) handleIdea(from, text string) (string, error) {
	rec := map[string]any{"from": from, "text": text, "at": p.clock.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", perr.Wrap(perr.ValidationError, err, "telegram: marshal idea")
	}
	if err := atomicfile.AppendLine(ideasFile(p.paths), data); err != nil {
		return "", err
	}
	return "Noted.", nil
}

type pauseState struct {
	Paused bool      `json:"paused"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}

func (p *Processor) handlePause(by string) (string, error) {
	if err := atomicfile.WriteJSON(pauseFile(p.paths), pauseState{Paused: true, By: by, At: p.clock.Now()}); err != nil {
		return "", err
	}
	return "Daemon paused: no new spawns until /resume.", nil
}

func (p *Processor) handleResume() (string, error) {
	if err := atomicfile.WriteJSON(pauseFile(p.paths), pauseState{Paused: false, At: p.clock.Now()}); err != nil {
		return "", err
	}
	return "Daemon resumed.", nil
}

// IsPaused reports whether the operator has paused new spawns, for the
// daemon tick loop to consult each cycle.
func IsPaused(paths config.Paths) bool {
	data, err := os.ReadFile(pauseFile(paths))
	if err != nil {
		return false
	}
	var st pauseState
	if err := json.Unmarshal(data, &st); err != nil {
		return false
	}
	return st.Paused
}

func (p *Processor) handleKillAgent(sessionID string) (string, error) {
	if sessionID == "" {
		return "Usage: /kill_agent <session_id>", nil
	}
	if err := p.sess.End(sessionID, "telegram:kill_agent"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Ended session %s.", sessionID), nil
}

func (p *Processor) handleLogs() (string, error) {
	data, err := os.ReadFile(p.paths.EscalationLogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "No escalation log entries yet.", nil
		}
		return "", perr.Wrap(perr.IOError, err, "telegram: read escalation log")
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	const tail = 10
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

func (p *Processor) handleLockdown() (string, error) {
	active, err := p.sess.ListActive()
	if err != nil {
		return "", err
	}
	for _, r := range active {
		marker := escalation.BlockMarker{BlockedAt: p.clock.Now(), Reason: "lockdown", Message: "lockdown issued from Telegram"}
		if err := p.esc.WriteBlockMarker(r.SessionID, marker); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Lockdown: blocked %d agent(s).", len(active)), nil
}
