package bus

import (
	"encoding/json"
	"os"

	"github.com/pilot-run/pilot/internal/atomicfile"
)

const maxProcessedIDs = 1000

// Cursor is one reader's position in the bus.
type Cursor struct {
	SessionID       string   `json:"session_id"`
	LastSeq         int64    `json:"last_seq"`
	ByteOffset      int64    `json:"byte_offset"`
	ProcessedIDs    []string `json:"processed_ids"`
	CachedSenderSeq int64    `json:"_cached_sender_seq"`
}

func (c Cursor) hasProcessed(id string) bool {
	for _, p := range c.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

func (c *Cursor) markProcessed(ids []string) {
	seen := make(map[string]struct{}, len(c.ProcessedIDs)+len(ids))
	merged := make([]string, 0, len(c.ProcessedIDs)+len(ids))
	for _, id := range c.ProcessedIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	if len(merged) > maxProcessedIDs {
		merged = merged[len(merged)-maxProcessedIDs:]
	}
	c.ProcessedIDs = merged
}

func loadCursor(path, readerID string) (Cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{SessionID: readerID}, nil
		}
		return Cursor{}, err
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		// Corrupt cursor: report it so Read recovers to the current end
		// of the bus rather than replaying from 0.
		return Cursor{SessionID: readerID}, errCorruptCursor
	}
	return c, nil
}

var errCorruptCursor = &corruptCursorError{}

type corruptCursorError struct{}

func (*corruptCursorError) Error() string { return "corrupt cursor" }

func saveCursor(path string, c Cursor) error {
	return atomicfile.WriteJSON(path, c)
}
