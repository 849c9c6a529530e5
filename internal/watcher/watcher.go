// Package watcher turns external events into intake work items. Each
// watcher polls one source; a Runner drives it on an interval with
// exponential backoff and a repeated-failure alert.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/state"
	"workvault/internal/vault"
)

// RawEvent is one external occurrence with a source-stable identity.
type RawEvent struct {
	ID      string
	Subject string
	From    string
	Body    string
	Meta    map[string]any
}

// Watcher is a polled external source.
type Watcher interface {
	// Name identifies the watcher for logs, alerts, and the seen-set.
	Name() string
	// Poll returns the currently visible events. Events already
	// materialized may reappear; the runner filters them by ID.
	Poll(ctx context.Context) ([]RawEvent, error)
	// Materialize turns one event into an intake item.
	Materialize(ev RawEvent) (vault.Item, error)
}

// Backoff returns the sleep before the next poll after consecutive
// failures, capped at eight times the base interval.
func Backoff(base time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 0; i < failures && d < base*8; i++ {
		d *= 2
	}
	if d > base*8 {
		d = base * 8
	}
	return d
}

const alertThreshold = 3

// Runner drives one watcher: poll, materialize each event independently,
// sleep, repeat. It never exits on error, only on context cancellation.
type Runner struct {
	Watcher  Watcher
	Vault    *vault.Vault
	Store    *state.Store
	Interval time.Duration
	Log      zerolog.Logger
	Now      func() time.Time
	// Wake triggers an immediate poll, e.g. from a filesystem notification.
	Wake <-chan struct{}

	failures int
}

// Run polls until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	if r.Now == nil {
		r.Now = time.Now
	}
	log := r.Log.With().Str("watcher", r.Watcher.Name()).Logger()
	log.Info().Dur("interval", r.Interval).Msg("watcher started")
	for {
		sleep := r.step(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("watcher stopped")
			return
		case <-r.Wake:
		case <-time.After(sleep):
		}
	}
}

// step runs one cycle and returns how long to sleep before the next.
func (r *Runner) step(ctx context.Context) time.Duration {
	log := r.Log.With().Str("watcher", r.Watcher.Name()).Logger()
	if err := r.Tick(ctx); err != nil {
		r.failures++
		log.Error().Err(err).Int("consecutive_failures", r.failures).Msg("poll failed")
		if r.failures >= alertThreshold {
			if alertErr := r.raiseAlert(err); alertErr != nil {
				log.Error().Err(alertErr).Msg("raise alert failed")
			}
		}
	} else {
		r.failures = 0
	}
	return Backoff(r.Interval, r.failures)
}

// Tick runs one poll cycle. Event failures are isolated: one bad event is
// logged and skipped, the rest of the batch still lands.
func (r *Runner) Tick(ctx context.Context) error {
	name := r.Watcher.Name()
	events, err := r.Watcher.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll %s: %w", name, err)
	}
	log := r.Log.With().Str("watcher", name).Logger()
	for _, ev := range events {
		seen, err := r.Store.Seen(ctx, name, ev.ID)
		if err != nil {
			log.Error().Err(err).Str("event", ev.ID).Msg("seen lookup failed")
			continue
		}
		if seen {
			continue
		}
		it, err := r.Watcher.Materialize(ev)
		if err != nil {
			log.Error().Err(err).Str("event", ev.ID).Msg("materialize failed")
			continue
		}
		if err := r.Vault.Create(vault.NeedsAction, it); err != nil {
			if errors.Is(err, vault.ErrExists) {
				// Item names embed the event identity, so an existing file
				// is this event's own item from a run whose seen-state was
				// lost. Treat the event as delivered.
				log.Warn().Str("event", ev.ID).Str("item", it.Name).Msg("item already exists")
			} else {
				log.Error().Err(err).Str("event", ev.ID).Msg("create item failed")
				continue
			}
		}
		if err := r.Store.MarkSeen(ctx, name, ev.ID); err != nil {
			log.Error().Err(err).Str("event", ev.ID).Msg("mark seen failed")
			continue
		}
		log.Info().Str("event", ev.ID).Str("item", it.Name).Msg("item created")
	}
	return nil
}

// raiseAlert writes one ALERT item for a failing watcher. De-duplicated:
// if an alert for this watcher already sits in intake, no new one is
// written.
func (r *Runner) raiseAlert(cause error) error {
	prefix := alertPrefix(r.Watcher.Name())
	names, err := r.Vault.List(vault.NeedsAction)
	if err != nil {
		return err
	}
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return nil
		}
	}
	it := vault.Item{
		Name: fmt.Sprintf("%s_%s.md", prefix, r.Now().UTC().Format("20060102T150405Z")),
		Header: vault.Header{
			Type:    "alert",
			Source:  r.Watcher.Name(),
			Created: r.Now().UTC().Format(time.RFC3339),
		},
		Body: fmt.Sprintf("Watcher %s has failed %d consecutive polls.\n\nLast error: %v\n", r.Watcher.Name(), r.failures, cause),
	}
	return r.Vault.Create(vault.NeedsAction, it)
}

func alertPrefix(watcherName string) string {
	return "ALERT_repeated_failure_" + watcherName
}
