package bus

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/perr"
)

// ackMaxRetries bounds how many times a blocking message is redelivered
// to its escalation chain before it moves to the dead-letter queue.
const ackMaxRetries = 3

// pendingAck tracks one message awaiting acknowledgment.
type pendingAck struct {
	MessageID       string    `json:"message_id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	ToRole          string    `json:"to_role,omitempty"`
	DeadlineAt      time.Time `json:"deadline_at"`
	Retries         int       `json:"retries"`
	EscalateToPM    bool      `json:"escalate_to_pm"`
	EscalationChain []string  `json:"escalation_chain,omitempty"`
	Resolved        bool      `json:"resolved"`
}

func (b *Bus) appendPendingAck(p pendingAck) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return atomicfile.AppendLine(b.paths.PendingAcksFile, data)
}

func (b *Bus) loadPendingAcks() ([]pendingAck, error) {
	f, err := os.Open(b.paths.PendingAcksFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// The file is a log of appends; the latest record per message_id
	// wins (resolution/retry updates are appended, never edited in place).
	byID := map[string]pendingAck{}
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var p pendingAck
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			continue
		}
		if _, seen := byID[p.MessageID]; !seen {
			order = append(order, p.MessageID)
		}
		byID[p.MessageID] = p
	}
	out := make([]pendingAck, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, scanner.Err()
}

// ResolveAck marks messageID as acknowledged so it is dropped from future
// retry sweeps.
func (b *Bus) ResolveAck(messageID string) error {
	pending, err := b.loadPendingAcks()
	if err != nil {
		return perr.Wrap(perr.IOError, err, "resolve ack: load")
	}
	for _, p := range pending {
		if p.MessageID == messageID {
			p.Resolved = true
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			return atomicfile.AppendLine(b.paths.PendingAcksFile, data)
		}
	}
	return nil
}

// AckTimeoutResult describes one timed-out message's disposition.
type AckTimeoutResult struct {
	MessageID string
	Action    string // "retried", "escalated", or "dead_lettered"
	NextTo    string
}

// ProcessAckTimeouts sweeps pending acks, redelivering to the next hop in
// the escalation chain on timeout and moving to the dead-letter queue
// after ackMaxRetries.
func (b *Bus) ProcessAckTimeouts() ([]AckTimeoutResult, error) {
	pending, err := b.loadPendingAcks()
	if err != nil {
		return nil, perr.Wrap(perr.IOError, err, "process ack timeouts: load")
	}
	now := b.clock.Now()
	var results []AckTimeoutResult
	for _, p := range pending {
		if p.Resolved {
			continue
		}
		if now.Before(p.DeadlineAt) {
			continue
		}
		if p.Retries >= ackMaxRetries {
			if err := b.deadLetter(p); err != nil {
				return results, perr.Wrap(perr.IOError, err, "process ack timeouts: dlq")
			}
			// Mark resolved so the next sweep doesn't dead-letter it again.
			p.Resolved = true
			if data, merr := json.Marshal(p); merr == nil {
				_ = atomicfile.AppendLine(b.paths.PendingAcksFile, data)
			}
			results = append(results, AckTimeoutResult{MessageID: p.MessageID, Action: "dead_lettered"})
			continue
		}

		next := p
		next.Retries++
		action := "retried"
		if len(p.EscalationChain) > 0 {
			idx := next.Retries - 1
			if idx < len(p.EscalationChain) {
				next.To = p.EscalationChain[idx]
				action = "escalated"
			}
		}
		next.DeadlineAt = now.Add(5 * time.Minute)
		data, merr := json.Marshal(next)
		if merr != nil {
			continue
		}
		if err := atomicfile.AppendLine(b.paths.PendingAcksFile, data); err != nil {
			return results, perr.Wrap(perr.IOError, err, "process ack timeouts: append retry")
		}
		if action == "escalated" {
			// The next hop learns about the unacknowledged message from a
			// real request on the bus, not just from the nudge marker
			// (which carries no content). Send auto-nudges on blocking
			// priority, so no separate Nudge call is needed here.
			payload, _ := json.Marshal(map[string]string{
				"unacknowledged_message_id": p.MessageID,
				"original_to":               p.To,
			})
			if _, err := b.Send(Message{
				Type:          "request",
				From:          p.From,
				To:            next.To,
				Topic:         "ack.escalation",
				Priority:      PriorityBlocking,
				CorrelationID: p.MessageID,
				Payload:       payload,
			}); err != nil {
				// The pending-ack record already advanced; the next sweep
				// retries the send via the following hop or the DLQ.
				continue
			}
		} else if next.To != "" {
			_ = b.Nudge(next.To)
		}
		results = append(results, AckTimeoutResult{MessageID: p.MessageID, Action: action, NextTo: next.To})
	}
	return results, nil
}

func (b *Bus) deadLetter(p pendingAck) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return atomicfile.AppendLine(b.paths.DLQFile, data)
}

// DeadLettered returns every message currently in the dead-letter queue.
func (b *Bus) DeadLettered() ([]pendingAck, error) {
	f, err := os.Open(b.paths.DLQFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []pendingAck
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var p pendingAck
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, scanner.Err()
}
