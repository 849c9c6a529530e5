package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"workvault/internal/vault"
)

// InboxWatcher materializes files dropped into the vault's Inbox/ bucket
// as TASK items. Drops are noticed immediately via fsnotify; the periodic
// scan catches anything dropped while the process was down.
type InboxWatcher struct {
	Dir string
	Now func() time.Time
}

// NewInboxWatcher returns the watcher for a vault's inbox directory.
func NewInboxWatcher(vaultRoot string) *InboxWatcher {
	return &InboxWatcher{Dir: filepath.Join(vaultRoot, vault.Inbox), Now: time.Now}
}

func (w *InboxWatcher) Name() string { return "inbox" }

// Poll lists the files currently in the inbox. Event identity is the file
// name plus its modification time, so an edited drop is a new event.
func (w *InboxWatcher) Poll(ctx context.Context) ([]RawEvent, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	var events []RawEvent
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		events = append(events, RawEvent{
			ID:      fmt.Sprintf("%s@%d", e.Name(), info.ModTime().UnixNano()),
			Subject: e.Name(),
		})
	}
	return events, nil
}

// Materialize turns a dropped file into a TASK intake item referencing it.
func (w *InboxWatcher) Materialize(ev RawEvent) (vault.Item, error) {
	path := filepath.Join(w.Dir, ev.Subject)
	info, err := os.Stat(path)
	if err != nil {
		return vault.Item{}, fmt.Errorf("stat inbox file: %w", err)
	}
	now := w.Now().UTC()
	// Name by file plus modification time, so a re-edited drop in the same
	// second becomes its own item instead of a create collision.
	base := ev.Subject
	if len(base) > 30 {
		base = base[:30]
	}
	return vault.Item{
		Name: vault.ItemName("TASK", now, fmt.Sprintf("%s %d", base, info.ModTime().UnixNano())),
		Header: vault.Header{
			Type:    "task",
			Source:  "inbox",
			Created: now.Format(time.RFC3339),
			Extra: map[string]any{
				"file":       ev.Subject,
				"size_bytes": info.Size(),
			},
		},
		Body: fmt.Sprintf("New file dropped in Inbox: %s (%d bytes).\nReview and process it.\n", ev.Subject, info.Size()),
	}, nil
}

// Notify watches the inbox directory and signals the returned channel on
// every create or write, until the context is cancelled. Notification
// failures degrade to interval scanning, never crash the watcher.
func (w *InboxWatcher) Notify(ctx context.Context, log zerolog.Logger) <-chan struct{} {
	wake := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("inbox notify unavailable, falling back to scans")
		return wake
	}
	if err := fsw.Add(w.Dir); err != nil {
		log.Warn().Err(err).Str("dir", w.Dir).Msg("inbox notify unavailable, falling back to scans")
		fsw.Close()
		return wake
	}
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("inbox notify error")
			}
		}
	}()
	return wake
}
