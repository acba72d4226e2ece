package telegram

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func marshalEntry(e InboxEntry) ([]byte, error) { return json.Marshal(e) }

// readOutboxEntries reads every line of the outbox JSONL file.
func readOutboxEntries(path string) ([]OutboxEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []OutboxEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e OutboxEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// stallTimeout bounds how long the long-poll update channel may sit
// idle before Bridge treats the connection as dead and reconnects.
// tgbotapi's long-poll itself uses a 60s timeout; doubling that with
// margin avoids declaring a stall on an idle but healthy channel.
const stallTimeout = 150 * time.Second

// Bridge pulls real Telegram updates onto the inbox JSONL file the
// Processor drains, and pushes outbox entries back out as Telegram
// messages. It owns the one stateful thing a JSONL-based Processor
// cannot be: a live long-poll connection (NewBotAPI, GetUpdatesChan, a
// reconnect-with-backoff poll loop, access-list enforcement).
type Bridge struct {
	paths      config.Paths
	allowedIDs map[int64]struct{}
	bot        *tgbotapi.BotAPI
	log        func(string, ...any)

	outboxCursor int64
}

// NewBridge authenticates against the Telegram Bot API using token.
func NewBridge(token string, allowedIDs []int64, paths config.Paths, log func(string, ...any)) (*Bridge, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bridge: init: %w", err)
	}
	if log == nil {
		log = func(string, ...any) {}
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &Bridge{paths: paths, allowedIDs: allowed, bot: bot, log: log}, nil
}

// Run polls Telegram until ctx is canceled, reconnecting with
// exponential backoff on stall or channel closure, and concurrently
// drains newly-appended outbox entries back to Telegram.
func (b *Bridge) Run(ctx context.Context) error {
	go b.drainOutbox(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.bot.GetUpdatesChan(u)

		err := b.pollUpdates(ctx, updates)
		b.bot.StopReceivingUpdates()

		if err == nil {
			return nil
		}
		b.log("telegram bridge: poll disconnected, reconnecting: %v (backoff %s)", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bridge) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.appendInboxFromMessage(update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (b *Bridge) appendInboxFromMessage(msg *tgbotapi.Message) {
	if _, ok := b.allowedIDs[msg.From.ID]; !ok {
		b.log("telegram bridge: access denied for user %d", msg.From.ID)
		return
	}
	text := msg.Text
	if text == "" {
		return
	}
	entry := InboxEntry{ChatID: msg.Chat.ID, From: msg.From.UserName, Text: text, ReceivedAt: time.Now()}
	data, err := marshalEntry(entry)
	if err != nil {
		b.log("telegram bridge: marshal inbox entry: %v", err)
		return
	}
	if err := atomicfile.AppendLine(b.paths.InboxFile, data); err != nil {
		b.log("telegram bridge: append inbox: %v", err)
	}
}

// drainOutbox tails the outbox JSONL file the Processor writes to and
// forwards each new line as a Telegram message. It re-scans from
// scratch each tick using a line count cursor, matching the
// Processor's own cursor idiom rather than holding an open file
// handle across reconnects.
func (b *Bridge) drainOutbox(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendNewOutboxEntries()
		}
	}
}

func (b *Bridge) sendNewOutboxEntries() {
	entries, err := readOutboxEntries(b.paths.OutboxFile)
	if err != nil {
		return
	}
	for ; b.outboxCursor < int64(len(entries)); b.outboxCursor++ {
		e := entries[b.outboxCursor]
		msg := tgbotapi.NewMessage(e.ChatID, e.Text)
		if _, err := b.bot.Send(msg); err != nil {
			b.log("telegram bridge: send to chat %d: %v", e.ChatID, err)
		}
	}
}
