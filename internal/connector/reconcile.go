package connector

import (
	"context"

	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/hub"
)

// reconcileBus runs on every successful (re)connect: it reads any message
// addressed to this session that arrived on the file bus while the
// WebSocket was down, delivers each to the registered handler, then
// acknowledges them so a later reconcile pass sees zero: a message is
// delivered exactly once across a disconnect/reconnect cycle.
func (c *Connector) reconcileBus(_ context.Context) {
	if c.cfg.Bus == nil {
		return
	}
	msgs, cursor, err := c.cfg.Bus.Read(c.cfg.SessionID, bus.ReadOptions{Types: reconcileTypes})
	if err != nil {
		c.cfg.Log("connector: %s reconcile read: %v", c.cfg.SessionID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		c.dispatch(hub.FromBusMessage(m))
		ids[i] = m.ID
	}
	if err := c.cfg.Bus.Acknowledge(c.cfg.SessionID, cursor, ids); err != nil {
		c.cfg.Log("connector: %s reconcile acknowledge: %v", c.cfg.SessionID, err)
	}
}
