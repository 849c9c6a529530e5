// Package agent hosts the two long-running roles: the cloud drafting
// agent and the local orchestrator. Both coordinate only through the
// vault.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/approval"
	"workvault/internal/audit"
	"workvault/internal/health"
	"workvault/internal/vault"
)

// CloudAgent claims EMAIL intake items and turns each into a draft reply
// awaiting human approval. It never sends anything itself.
type CloudAgent struct {
	Vault           *vault.Vault
	Audit           *audit.Log
	ID              string
	Peer            string
	Interval        time.Duration
	HealthThreshold time.Duration
	ApprovalExpiry  time.Duration
	Log             zerolog.Logger
	Now             func() time.Time

	claimed int
	drafted int
	failed  int
}

// Run works the intake queue until the context is cancelled. Errors back
// off the loop, they never end it.
func (a *CloudAgent) Run(ctx context.Context) {
	if a.Now == nil {
		a.Now = time.Now
	}
	a.Log.Info().Str("agent", a.ID).Msg("cloud agent started")
	failures := 0
	lastBeat := time.Time{}
	for {
		if a.Now().Sub(lastBeat) >= a.Interval {
			a.Heartbeat()
			a.CheckPeer()
			lastBeat = a.Now()
		}
		worked, err := a.ProcessOne(ctx)
		if err != nil {
			failures++
			a.Log.Error().Err(err).Int("consecutive_failures", failures).Msg("processing failed")
		} else {
			failures = 0
		}
		sleep := 5 * time.Second
		if failures > 0 {
			sleep = backoff(5*time.Second, failures)
		} else if worked {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			a.Log.Info().Str("agent", a.ID).Msg("cloud agent stopped")
			return
		case <-time.After(sleep):
		}
	}
}

func backoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < base*8; i++ {
		d *= 2
	}
	if d > base*8 {
		d = base * 8
	}
	return d
}

// ProcessOne claims and drafts the next EMAIL intake item, if any. A lost
// claim race is a clean no-op.
func (a *CloudAgent) ProcessOne(ctx context.Context) (bool, error) {
	names, err := a.Vault.List(vault.NeedsAction)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "EMAIL_") {
			continue
		}
		claimed, err := a.Vault.Claim(a.ID, vault.NeedsAction, name)
		if err != nil {
			if errors.Is(err, vault.ErrNotClaimed) {
				// Another agent got there first; try the next item.
				continue
			}
			return false, err
		}
		a.claimed++
		a.Log.Info().Str("item", name).Msg("claimed")
		if err := a.draftReply(claimed); err != nil {
			a.failed++
			a.Log.Error().Err(err).Str("item", name).Msg("drafting failed, returning item to intake")
			if relErr := claimed.Release(vault.OutcomeFailed, vault.NeedsAction); relErr != nil {
				a.Log.Error().Err(relErr).Str("item", name).Msg("release failed")
			}
			return true, err
		}
		if err := claimed.Release(vault.OutcomeDone, vault.NeedsAction); err != nil {
			return true, err
		}
		a.drafted++
		return true, nil
	}
	return false, nil
}

// draftReply writes the approval request and an UPDATE signal for the
// human's attention.
func (a *CloudAgent) draftReply(claimed *vault.ClaimedItem) error {
	now := a.Now().UTC()
	from, _ := claimed.Header.Extra["from"].(string)
	subject := vault.Stem(claimed.Name)

	req := approval.NewRequest(
		approval.ActionSendEmail,
		claimed.Name,
		subject,
		draftBody(claimed.Item),
		now,
		a.ApprovalExpiry,
	)
	if req.Header.Extra == nil {
		req.Header.Extra = map[string]any{}
	}
	req.Header.Extra["to"] = from
	req.Header.Extra["subject"] = "Re: " + subject
	req.Header.Extra["drafted_by"] = a.ID
	if err := a.Vault.Create(vault.PendingApproval, req); err != nil {
		return fmt.Errorf("file approval request: %w", err)
	}

	update := vault.Item{
		Name: vault.ItemName("UPDATE", now, "draft_ready_"+subject),
		Header: vault.Header{
			Type:          "update",
			Source:        a.ID,
			SourceTask:    claimed.Name,
			CorrelationID: req.Header.CorrelationID,
			Created:       now.Format(time.RFC3339),
		},
		Body: fmt.Sprintf("Drafted a reply for %s. Review it in Pending_Approval/%s.\n", claimed.Name, req.Name),
	}
	if err := a.Vault.Create(vault.Updates, update); err != nil {
		return fmt.Errorf("file update signal: %w", err)
	}

	if a.Audit != nil {
		_ = a.Audit.Append(audit.Entry{
			ActionType: "draft_reply",
			Actor:      a.ID,
			Target:     claimed.Name,
			Parameters: map[string]any{"approval": req.Name},
			Result:     "success",
		})
	}
	return nil
}

func draftBody(src vault.Item) string {
	var b strings.Builder
	b.WriteString("Hello,\n\nThank you for your message. ")
	b.WriteString("We received your request and will follow up with details shortly.\n\n")
	b.WriteString("Best regards\n\n---\nOriginal message:\n\n")
	b.WriteString(src.Body)
	return b.String()
}

// Heartbeat publishes this agent's health record.
func (a *CloudAgent) Heartbeat() {
	rec := health.Record{
		AgentID:   a.ID,
		Role:      "cloud",
		Timestamp: a.Now().UTC().Format(time.RFC3339),
		Status:    "running",
		Counters: map[string]int{
			"claimed": a.claimed,
			"drafted": a.drafted,
			"failed":  a.failed,
		},
	}
	if err := health.Publish(a.signalsDir(), rec); err != nil {
		a.Log.Error().Err(err).Msg("heartbeat failed")
	}
}

// CheckPeer warns when the peer agent's record is stale or missing.
// Nothing is reclaimed on its behalf.
func (a *CloudAgent) CheckPeer() {
	if a.Peer == "" {
		return
	}
	rec, seen, err := health.Read(a.signalsDir(), a.Peer)
	if err != nil {
		a.Log.Error().Err(err).Str("peer", a.Peer).Msg("peer health read failed")
		return
	}
	switch health.Classify(rec, seen, a.Now(), a.HealthThreshold) {
	case health.Offline:
		a.Log.Warn().Str("peer", a.Peer).Str("last_seen", rec.Timestamp).Msg("peer looks offline")
	case health.NeverSeen:
		a.Log.Warn().Str("peer", a.Peer).Msg("peer has never reported health")
	}
}

func (a *CloudAgent) signalsDir() string {
	return filepath.Join(a.Vault.Root, vault.Signals)
}
