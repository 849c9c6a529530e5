// Package sched runs the time-based side of the vault: periodic trigger
// emission, SLA alerts on stale intake, and approval-expiry flags. Jobs
// only ever emit items; acting on them is the agents' job.
package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/approval"
	"workvault/internal/vault"
)

// Scheduler evaluates all jobs each tick. Every job is idempotent: a tick
// that runs twice, or a restart mid-day, never doubles an item.
type Scheduler struct {
	Vault        *vault.Vault
	SLAKind      string
	SLAThreshold time.Duration
	DailyAt      string // HH:MM, daily briefing trigger
	WeeklyAt     string // HH:MM, weekly audit trigger (Fridays)
	Log          zerolog.Logger
	Now          func() time.Time
}

// New returns a scheduler over the vault with the given clock.
func New(v *vault.Vault, log zerolog.Logger) *Scheduler {
	return &Scheduler{Vault: v, Log: log, Now: time.Now}
}

// Run ticks on the interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.Log.Info().Dur("interval", interval).Msg("scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(); err != nil {
			s.Log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			s.Log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs every job once.
func (s *Scheduler) Tick() error {
	var errs []error
	if err := s.emitDailyBriefing(); err != nil {
		errs = append(errs, err)
	}
	if err := s.emitWeeklyAudit(); err != nil {
		errs = append(errs, err)
	}
	if err := s.CheckSLA(); err != nil {
		errs = append(errs, err)
	}
	if err := s.CheckExpiry(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// emitDailyBriefing creates the day's briefing trigger once the configured
// time has passed. The trigger name carries the date, so the exclusive
// create de-duplicates across ticks and restarts.
func (s *Scheduler) emitDailyBriefing() error {
	if s.DailyAt == "" {
		return nil
	}
	now := s.Now().UTC()
	if !pastClock(now, s.DailyAt) {
		return nil
	}
	name := fmt.Sprintf("TRIGGER_daily_briefing_%s.md", now.Format("2006-01-02"))
	return s.emitTrigger(name, "daily_briefing", "Prepare the daily briefing: intake summary, pending approvals, yesterday's audit summary.\n")
}

// emitWeeklyAudit creates the weekly audit trigger on Fridays past the
// configured time, named by ISO week.
func (s *Scheduler) emitWeeklyAudit() error {
	if s.WeeklyAt == "" {
		return nil
	}
	now := s.Now().UTC()
	if now.Weekday() != time.Friday || !pastClock(now, s.WeeklyAt) {
		return nil
	}
	year, week := now.ISOWeek()
	name := fmt.Sprintf("TRIGGER_weekly_audit_%dW%02d.md", year, week)
	return s.emitTrigger(name, "weekly_audit", "Run the weekly audit: review the week's audit log, flag anomalies, summarize throughput.\n")
}

func (s *Scheduler) emitTrigger(name, job, body string) error {
	it := vault.Item{
		Name: name,
		Header: vault.Header{
			Type:    "trigger",
			Source:  "scheduler",
			Created: s.Now().UTC().Format(time.RFC3339),
			Extra:   map[string]any{"job": job},
		},
		Body: body,
	}
	err := s.Vault.Create(vault.Scheduled, it)
	if errors.Is(err, vault.ErrExists) {
		return nil
	}
	if err == nil {
		s.Log.Info().Str("trigger", name).Msg("trigger emitted")
	}
	return err
}

// CheckSLA alerts on intake items of the configured kind older than the
// threshold. One alert per item: an existing ALERT whose name contains the
// item's stem suppresses a new one.
func (s *Scheduler) CheckSLA() error {
	if s.SLAKind == "" || s.SLAThreshold <= 0 {
		return nil
	}
	names, err := s.Vault.List(vault.NeedsAction)
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	for _, name := range names {
		if !strings.HasPrefix(name, s.SLAKind+"_") {
			continue
		}
		it, err := s.Vault.Read(vault.NeedsAction, name)
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, it.Header.Created)
		if err != nil {
			continue
		}
		if now.Sub(created) <= s.SLAThreshold {
			continue
		}
		exists, err := s.alertExists(names, vault.Stem(name))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		alert := vault.Item{
			Name: fmt.Sprintf("ALERT_sla_%s.md", vault.Stem(name)),
			Header: vault.Header{
				Type:       "alert",
				Source:     "scheduler",
				SourceTask: name,
				Created:    now.Format(time.RFC3339),
			},
			Body: fmt.Sprintf("%s has been waiting in intake since %s, past the %s response target.\n", name, it.Header.Created, s.SLAThreshold),
		}
		if err := s.Vault.Create(vault.NeedsAction, alert); err != nil && !errors.Is(err, vault.ErrExists) {
			return err
		}
		s.Log.Warn().Str("item", name).Msg("response target missed")
	}
	return nil
}

// CheckExpiry flags approval requests whose expiry has passed. The request
// itself stays in Pending_Approval; only a flag item is raised, once.
func (s *Scheduler) CheckExpiry() error {
	names, err := s.Vault.List(vault.PendingApproval)
	if err != nil {
		return err
	}
	intake, err := s.Vault.List(vault.NeedsAction)
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	for _, name := range names {
		it, err := s.Vault.Read(vault.PendingApproval, name)
		if err != nil {
			continue
		}
		if !approval.Expired(it, now) {
			continue
		}
		exists, err := s.alertExists(intake, vault.Stem(name))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		flag := vault.Item{
			Name: fmt.Sprintf("ALERT_expired_%s.md", vault.Stem(name)),
			Header: vault.Header{
				Type:       "alert",
				Source:     "scheduler",
				SourceTask: name,
				Created:    now.Format(time.RFC3339),
			},
			Body: fmt.Sprintf("Approval request %s expired at %s and is still undecided.\n", name, it.Header.Expires),
		}
		if err := s.Vault.Create(vault.NeedsAction, flag); err != nil && !errors.Is(err, vault.ErrExists) {
			return err
		}
		s.Log.Warn().Str("item", name).Msg("approval request expired")
	}
	return nil
}

// alertExists reports whether any existing ALERT item in intake mentions
// the given stem.
func (s *Scheduler) alertExists(intakeNames []string, stem string) (bool, error) {
	for _, n := range intakeNames {
		if strings.HasPrefix(n, "ALERT_") && strings.Contains(n, stem) {
			return true, nil
		}
	}
	return false, nil
}

// pastClock reports whether now is at or past the HH:MM wall time.
func pastClock(now time.Time, hhmm string) bool {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return false
	}
	mark := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	return !now.Before(mark)
}
