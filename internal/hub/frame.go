package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/wireschema"
)

// agentTypes and pmTypes are the two closed wire type sets: register,
// heartbeat, task_complete, ask_pm, checkpoint, request flow agent->PM;
// welcome, task_assign, answer, plan_approval, command, shutdown,
// task_claimed, message, error flow PM->agent. Both sets are already
// members of bus.KnownTypes, so a Frame round-trips onto a bus.Message
// when it needs to fall back to the file bus.
var agentTypes = map[string]struct{}{
	"register": {}, "heartbeat": {}, "task_complete": {}, "ask_pm": {},
	"checkpoint": {}, "request": {},
}

var pmTypes = map[string]struct{}{
	"welcome": {}, "task_assign": {}, "answer": {}, "plan_approval": {},
	"command": {}, "shutdown": {}, "task_claimed": {}, "message": {}, "error": {},
}

// Frame is one hub wire message: the union of every field any HTTP body
// or WebSocket frame carries. Unused fields are omitted on the
// wire via omitempty.
type Frame struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	Role          string          `json:"role,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Pressure      *float64        `json:"pressure,omitempty"`
	ClaimedTask   string          `json:"claimedTask,omitempty"`
	TaskID        string          `json:"taskId,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Question      string          `json:"question,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	To            string          `json:"to,omitempty"`
	ToRole        string          `json:"toRole,omitempty"`
	ToAgent       string          `json:"toAgent,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	frameValidatorsOnce sync.Once
	agentFrameValidator *wireschema.Validator
	pmFrameValidator    *wireschema.Validator
	frameValidatorErr   error
)

func compileFrameValidators() {
	agentFrameValidator, frameValidatorErr = wireschema.Compile(
		"mem://pilot/hub/agent-frame.json", wireschema.FrameSchemaDoc(sortedKeys(agentTypes)))
	if frameValidatorErr != nil {
		return
	}
	pmFrameValidator, frameValidatorErr = wireschema.Compile(
		"mem://pilot/hub/pm-frame.json", wireschema.FrameSchemaDoc(sortedKeys(pmTypes)))
}

// validateFrame applies the per-type required-field rules (heartbeat
// requires sessionId; pressure if present must be in [0,1]) via a
// compiled JSON Schema per traffic direction, rather than
// hand-rolled per-field checks, so the closed type set and its
// conditional requirements live declaratively in one place
// (internal/wireschema).
func validateFrame(f Frame, fromAgent bool) error {
	frameValidatorsOnce.Do(compileFrameValidators)
	if frameValidatorErr != nil {
		return perr.Wrap(perr.ValidationError, frameValidatorErr, "frame schema unavailable")
	}
	v := pmFrameValidator
	if fromAgent {
		v = agentFrameValidator
	}
	encoded, err := json.Marshal(f)
	if err != nil {
		return perr.Wrap(perr.ValidationError, err, "encode frame")
	}
	if err := v.Validate(encoded); err != nil {
		return perr.Wrap(perr.ValidationError, err, "invalid %s frame", f.Type)
	}
	return nil
}

// ToBusMessage converts a validated Frame into a bus.Message for
// file-bus fallback delivery when neither WS nor HTTP can reach the
// peer. Exported so the agent connector can reuse
// the same wire shape when it falls back from HTTP/WS to the bus.
func (f Frame) ToBusMessage() bus.Message {
	return bus.Message{
		Type:          f.Type,
		From:          f.SessionID,
		To:            f.To,
		ToRole:        f.ToRole,
		ToAgent:       f.ToAgent,
		Priority:      bus.PriorityNormal,
		Payload:       f.Payload,
		CorrelationID: f.CorrelationID,
	}
}

// FromBusMessage adapts a bus.Message back into the Frame shape used by
// both the hub's WS push path and the connector's reconnect reconcile.
func FromBusMessage(m bus.Message) Frame {
	return Frame{
		Type:          m.Type,
		SessionID:     m.From,
		To:            m.To,
		ToRole:        m.ToRole,
		ToAgent:       m.ToAgent,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
	}
}
