package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workvault/internal/config"
	"workvault/internal/vault"
)

// FeedWatcher polls an HTTP JSON feed of external messages (mail bridge,
// chat export, social mentions) and materializes each entry as an intake
// item of the configured kind.
type FeedWatcher struct {
	FeedName string
	Kind     string
	URL      string
	Token    string
	Client   *http.Client
	Now      func() time.Time
}

// NewFeedWatcher builds a watcher from its config entry. The bearer token
// is read from the configured environment variable by the caller.
func NewFeedWatcher(cfg config.FeedConfig, token string) *FeedWatcher {
	return &FeedWatcher{
		FeedName: cfg.Name,
		Kind:     cfg.Kind,
		URL:      cfg.URL,
		Token:    token,
		Client:   &http.Client{Timeout: 30 * time.Second},
		Now:      time.Now,
	}
}

func (w *FeedWatcher) Name() string { return w.FeedName }

type feedEntry struct {
	ID      string         `json:"id"`
	Subject string         `json:"subject"`
	From    string         `json:"from"`
	Body    string         `json:"body"`
	Meta    map[string]any `json:"meta"`
}

// Poll fetches the feed and returns its entries as raw events.
func (w *FeedWatcher) Poll(ctx context.Context) ([]RawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var entries []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	events := make([]RawEvent, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		events = append(events, RawEvent{ID: e.ID, Subject: e.Subject, From: e.From, Body: e.Body, Meta: e.Meta})
	}
	return events, nil
}

// Materialize turns a feed entry into an intake item.
func (w *FeedWatcher) Materialize(ev RawEvent) (vault.Item, error) {
	now := w.Now().UTC()
	header := vault.Header{
		Type:    strings.ToLower(w.Kind),
		Source:  w.FeedName,
		Created: now.Format(time.RFC3339),
		Extra: map[string]any{
			"external_id": ev.ID,
		},
	}
	if ev.From != "" {
		header.Extra["from"] = ev.From
	}
	body := ev.Body
	if body == "" {
		body = ev.Subject
	}
	// The name embeds the external id so two messages sharing a subject in
	// the same second still get distinct items. The subject is capped first
	// so a long one cannot push the id past the name length limit.
	subject := ev.Subject
	if len(subject) > 40 {
		subject = subject[:40]
	}
	return vault.Item{
		Name:   vault.ItemName(w.Kind, now, subject+" "+ev.ID),
		Header: header,
		Body:   body + "\n",
	}, nil
}
