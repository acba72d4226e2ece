// Package bus implements the append-only message bus: at-least-once
// delivery between agents and the PM, per-reader cursors, priority plus
// per-sender FIFO ordering, and bounded storage via compaction. All
// writes go through internal/atomicfile (write-temp-rename for documents,
// O_APPEND for log lines).
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/wireschema"
)

// compactThresholdBytes triggers automatic compaction from Send.
const compactThresholdBytes = 100 * 1024

// staleLockAfter is how long a compaction lock file may be held before a
// new compactor forcibly overwrites it.
const staleLockAfter = 5 * time.Minute

// Bus is the append-only JSONL message bus rooted at paths.BusFile.
type Bus struct {
	paths config.Paths
	clock clock.Clock

	mu         sync.Mutex
	senderSeqs map[string]int64
}

// New creates a Bus. Safe to construct once per process; multiple
// processes may share the same underlying files.
func New(paths config.Paths, clk clock.Clock) *Bus {
	return &Bus{paths: paths, clock: clk, senderSeqs: map[string]int64{}}
}

// ReadOptions filters a Read call.
type ReadOptions struct {
	Types          []string
	Topics         []string
	Role           string
	AgentName      string
	IncludeExpired bool
}

// newMessageID mints a time-sortable, globally-unique message id: a
// base36 nanosecond timestamp prefix (so ids sort with arrival order)
// plus a uuid suffix for uniqueness across concurrent writers.
func newMessageID(now time.Time) string {
	return fmt.Sprintf("M-%s-%s", strconv.FormatInt(now.UnixNano(), 36), uuid.NewString())
}

func (b *Bus) nextSenderSeq(from string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq, ok := b.senderSeqs[from]; ok {
		seq++
		b.senderSeqs[from] = seq
		return seq, nil
	}
	// Not cached: derive by scanning the bus once.
	seq, err := b.scanMaxSenderSeq(from)
	if err != nil {
		return 0, err
	}
	seq++
	b.senderSeqs[from] = seq
	return seq, nil
}

func (b *Bus) scanMaxSenderSeq(from string) (int64, error) {
	f, err := os.Open(b.paths.BusFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	var max int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		if m.From == from && m.SenderSeq > max {
			max = m.SenderSeq
		}
	}
	return max, nil
}

var (
	envelopeValidatorOnce sync.Once
	envelopeValidator     *wireschema.Validator
	envelopeValidatorErr  error
)

func compileEnvelopeValidator() {
	types := make([]string, 0, len(KnownTypes))
	for t := range KnownTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	envelopeValidator, envelopeValidatorErr = wireschema.Compile(
		"mem://pilot/bus/envelope.json", wireschema.EnvelopeSchemaDoc(types))
}

// validate checks m's envelope against a compiled JSON Schema (the
// closed type set, non-empty from, a recognized priority, and the
// per-type required-field rules) rather than hand-rolled per-field
// checks, mirroring the hub's frame validation (internal/wireschema).
func validate(m Message) error {
	if strings.TrimSpace(m.From) == "" {
		return perr.New(perr.ValidationError, "from must be non-empty")
	}
	envelopeValidatorOnce.Do(compileEnvelopeValidator)
	if envelopeValidatorErr != nil {
		return perr.Wrap(perr.ValidationError, envelopeValidatorErr, "envelope schema unavailable")
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return perr.Wrap(perr.ValidationError, err, "encode message")
	}
	if err := envelopeValidator.Validate(encoded); err != nil {
		return perr.Wrap(perr.ValidationError, err, "invalid %s message", m.Type)
	}
	return nil
}

// Send validates and appends msg as one JSON line, returning the assigned
// message id.
func (b *Bus) Send(m Message) (string, error) {
	if err := validate(m); err != nil {
		return "", err
	}
	now := b.clock.Now()
	m.TS = now
	if m.ID == "" {
		m.ID = newMessageID(now)
	}
	seq, err := b.nextSenderSeq(m.From)
	if err != nil {
		return "", perr.Wrap(perr.IOError, err, "send: derive sender_seq")
	}
	m.SenderSeq = seq

	data, err := json.Marshal(m)
	if err != nil {
		return "", perr.Wrap(perr.ValidationError, err, "send: marshal")
	}
	if len(data) > MaxMessageBytes {
		return "", perr.New(perr.ValidationError, "message exceeds %d bytes (%d)", MaxMessageBytes, len(data))
	}

	if err := atomicfile.AppendLine(b.paths.BusFile, data); err != nil {
		return "", perr.Wrap(perr.IOError, err, "send: append")
	}

	// A response acknowledges the message its correlation id names.
	if m.Type == "response" && m.CorrelationID != "" {
		_ = b.ResolveAck(m.CorrelationID)
	}

	if m.Ack != nil && m.Ack.Required {
		_ = b.appendPendingAck(pendingAck{
			MessageID:       m.ID,
			From:            m.From,
			To:              firstNonEmpty(m.To, m.ToAgent, m.ToRole),
			ToRole:          m.ToRole,
			DeadlineAt:      now.Add(time.Duration(m.Ack.DeadlineMs) * time.Millisecond),
			EscalateToPM:    len(m.Ack.EscalationChain) > 0,
			EscalationChain: m.Ack.EscalationChain,
		})
	}

	if m.Priority == PriorityBlocking {
		target := firstNonEmpty(m.To, m.ToAgent)
		if target != "" {
			_ = b.Nudge(target)
		}
	}

	if info, err := os.Stat(b.paths.BusFile); err == nil && info.Size() > compactThresholdBytes {
		_, _ = b.Compact()
	}

	return m.ID, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Read returns messages newer than the reader's cursor that pass the
// dedup/TTL/addressing/filter pipeline, sorted by priority then
// per-sender sequence.
func (b *Bus) Read(readerID string, opts ReadOptions) ([]Message, Cursor, error) {
	cursorPath := b.paths.CursorFile(readerID)
	cursor, cerr := loadCursor(cursorPath, readerID)
	busSize := int64(0)
	if info, err := os.Stat(b.paths.BusFile); err == nil {
		busSize = info.Size()
	}
	if cerr != nil {
		// Recover to the current end of bus, never to 0.
		cursor = Cursor{SessionID: readerID, ByteOffset: busSize}
	}
	if cursor.ByteOffset > busSize {
		cursor.ByteOffset = busSize
	}

	f, err := os.Open(b.paths.BusFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cursor, nil
		}
		return nil, cursor, perr.Wrap(perr.IOError, err, "read: open bus")
	}
	defer f.Close()

	if _, err := f.Seek(cursor.ByteOffset, 0); err != nil {
		return nil, cursor, perr.Wrap(perr.IOError, err, "read: seek")
	}

	now := b.clock.Now()
	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lastOffset := cursor.ByteOffset
	for scanner.Scan() {
		line := scanner.Bytes()
		lastOffset += int64(len(line)) + 1 // +1 for the newline

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue // corrupted line: skipped silently
		}
		if cursor.hasProcessed(m.ID) {
			continue
		}
		if m.expired(now) && !opts.IncludeExpired {
			continue
		}
		if !m.addressedTo(readerID, opts.Role, opts.AgentName) {
			continue
		}
		if len(opts.Types) > 0 && !contains(opts.Types, m.Type) {
			continue
		}
		if len(opts.Topics) > 0 && !contains(opts.Topics, m.Topic) {
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, cursor, perr.Wrap(perr.IOError, err, "read: scan")
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority.rank(), out[j].Priority.rank()
		if pi != pj {
			return pi < pj
		}
		if out[i].From == out[j].From {
			return out[i].SenderSeq < out[j].SenderSeq
		}
		return false // preserve arrival order across different senders
	})

	newCursor := cursor
	newCursor.ByteOffset = lastOffset
	return out, newCursor, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Acknowledge merges ids into cursor's processed_ids (capped at 1000) and
// atomically persists the cursor.
func (b *Bus) Acknowledge(readerID string, cursor Cursor, ids []string) error {
	cursor.markProcessed(ids)
	if err := saveCursor(b.paths.CursorFile(readerID), cursor); err != nil {
		return perr.Wrap(perr.IOError, err, "acknowledge: save cursor")
	}
	return nil
}

// Nudge touches a marker file for toSession so a blocking-priority
// recipient wakes immediately instead of waiting for its next poll tick.
func (b *Bus) Nudge(toSession string) error {
	path := b.paths.NudgeFile(toSession)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.IOError, err, "nudge: mkdir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return perr.Wrap(perr.IOError, err, "nudge: touch")
	}
	return f.Close()
}

// ConsumeNudge reports whether toSession has a pending nudge and clears it.
func (b *Bus) ConsumeNudge(toSession string) bool {
	path := b.paths.NudgeFile(toSession)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_ = os.Remove(path)
	return true
}

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	Compacted   bool
	MinOffset   int64
	ArchivePath string
}

// Compact archives the prefix of the bus already seen by every cursor and
// shifts every cursor's byte_offset back by the same amount. Guarded by a
// stale-after-5-minutes lock file so it is safe to call from any process.
func (b *Bus) Compact() (CompactResult, error) {
	lockPath := b.paths.BusFile + ".lock"
	acquired, err := acquireLock(lockPath, b.clock.Now(), staleLockAfter)
	if err != nil {
		return CompactResult{}, perr.Wrap(perr.IOError, err, "compact: lock")
	}
	if !acquired {
		return CompactResult{}, perr.New(perr.LockContention, "compaction lock held")
	}
	defer os.Remove(lockPath)

	minOffset, cursorPaths, err := b.minCursorOffset()
	if err != nil {
		return CompactResult{}, perr.Wrap(perr.IOError, err, "compact: scan cursors")
	}
	if minOffset <= 0 {
		return CompactResult{Compacted: false}, nil
	}

	data, err := os.ReadFile(b.paths.BusFile)
	if err != nil {
		if os.IsNotExist(err) {
			return CompactResult{Compacted: false}, nil
		}
		return CompactResult{}, perr.Wrap(perr.IOError, err, "compact: read bus")
	}
	if minOffset > int64(len(data)) {
		minOffset = int64(len(data))
	}
	prefix := data[:minOffset]
	suffix := data[minOffset:]

	archivePath := filepath.Join(b.paths.ArchiveDir, fmt.Sprintf("bus.%s.jsonl", b.clock.Now().Format("2006-01-02")))
	if err := appendArchive(archivePath, prefix); err != nil {
		return CompactResult{}, perr.Wrap(perr.IOError, err, "compact: archive")
	}
	if err := atomicfile.Write(b.paths.BusFile, suffix, 0o644); err != nil {
		return CompactResult{}, perr.Wrap(perr.IOError, err, "compact: rewrite bus")
	}

	for path, c := range cursorPaths {
		c.ByteOffset -= minOffset
		if c.ByteOffset < 0 {
			c.ByteOffset = 0
		}
		if err := saveCursor(path, c); err != nil {
			continue
		}
	}

	return CompactResult{Compacted: true, MinOffset: minOffset, ArchivePath: archivePath}, nil
}

func (b *Bus) minCursorOffset() (int64, map[string]Cursor, error) {
	entries, err := os.ReadDir(b.paths.CursorsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	cursors := map[string]Cursor{}
	min := int64(-1)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cursor.json") {
			continue
		}
		path := filepath.Join(b.paths.CursorsDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var c Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		cursors[path] = c
		if min == -1 || c.ByteOffset < min {
			min = c.ByteOffset
		}
	}
	if min == -1 {
		min = 0
	}
	return min, cursors, nil
}

func appendArchive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// acquireLock creates lockPath exclusively, forcibly overwriting it if its
// mtime is older than staleAfter.
func acquireLock(lockPath string, now time.Time, staleAfter time.Duration) (bool, error) {
	if info, err := os.Stat(lockPath); err == nil {
		if now.Sub(info.ModTime()) < staleAfter {
			return false, nil
		}
		_ = os.Remove(lockPath)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	_, _ = f.Write([]byte(strconv.FormatInt(now.Unix(), 10)))
	return true, nil
}
