package bus

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of writes (e.g. several Sends in a row)
// into a single wake-up.
const debounceWindow = 50 * time.Millisecond

// pollInterval is the fallback cadence when fsnotify is unavailable
// (e.g. some network filesystems).
const pollInterval = 500 * time.Millisecond

// Watcher delivers a tick whenever the bus file changes, debounced, with
// a polling fallback so a broken fsnotify backend degrades to "slow" not
// "blind".
type Watcher struct {
	ticks chan struct{}
}

// Ticks returns the channel that receives a value after each observed
// bus change, including changes seen only by the polling fallback.
func (w *Watcher) Ticks() <-chan struct{} {
	return w.ticks
}

// CreateWatcher starts watching the bus file for changes until ctx is
// canceled.
func (b *Bus) CreateWatcher(ctx context.Context) (*Watcher, error) {
	w := &Watcher{ticks: make(chan struct{}, 1)}
	// Baseline taken before returning, so a write made right after
	// CreateWatcher returns counts as a change.
	lastSize := b.busSize()

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		go b.pollOnly(ctx, w, lastSize)
		return w, nil
	}
	if err := notifier.Add(b.paths.MessagesDir); err != nil {
		_ = notifier.Close()
		go b.pollOnly(ctx, w, lastSize)
		return w, nil
	}

	go func() {
		defer notifier.Close()
		var debounce *time.Timer
		var debounceCh <-chan time.Time
		poll := time.NewTicker(pollInterval)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-notifier.Events:
				if !ok {
					return
				}
				if ev.Name != b.paths.BusFile {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(debounceWindow)
					debounceCh = debounce.C
				} else {
					debounce.Reset(debounceWindow)
				}
			case <-debounceCh:
				notify(w.ticks)
				debounceCh = nil
			case <-poll.C:
				// Fallback tick in case fsnotify silently drops an event.
				if size := b.busSize(); size != lastSize {
					lastSize = size
					notify(w.ticks)
				}
			case <-notifier.Errors:
				// Non-fatal: keep relying on the poll fallback.
			}
		}
	}()

	return w, nil
}

func (b *Bus) pollOnly(ctx context.Context, w *Watcher, lastSize int64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if size := b.busSize(); size != lastSize {
				lastSize = size
				notify(w.ticks)
			}
		}
	}
}

func (b *Bus) busSize() int64 {
	info, err := os.Stat(b.paths.BusFile)
	if err != nil {
		return -1
	}
	return info.Size()
}

func notify(ticks chan struct{}) {
	select {
	case ticks <- struct{}{}:
	default:
	}
}
