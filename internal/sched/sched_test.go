package sched

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/approval"
	"workvault/internal/vault"
)

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *vault.Vault) {
	t.Helper()
	v := vault.Open(t.TempDir())
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	s := New(v, zerolog.Nop())
	s.Now = func() time.Time { return now }
	return s, v
}

func listPrefix(t *testing.T, v *vault.Vault, bucket, prefix string) []string {
	t.Helper()
	names, err := v.List(bucket)
	if err != nil {
		t.Fatalf("list %s: %v", bucket, err)
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}

func TestDailyBriefingOncePerDay(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	now := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	s, v := newTestScheduler(t, now)
	s.DailyAt = "08:00"

	if err := s.Tick(); err != nil {
		t.Fatalf("tick before time: %v", err)
	}
	if got := listPrefix(t, v, vault.Scheduled, "TRIGGER_daily_briefing"); len(got) != 0 {
		t.Fatalf("trigger before time: %v", got)
	}

	s.Now = func() time.Time { return now.Add(90 * time.Minute) }
	for i := 0; i < 3; i++ {
		if err := s.Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	got := listPrefix(t, v, vault.Scheduled, "TRIGGER_daily_briefing")
	if len(got) != 1 || got[0] != "TRIGGER_daily_briefing_2026-03-10.md" {
		t.Fatalf("triggers = %v, want one for the day", got)
	}

	// Next day gets its own trigger.
	s.Now = func() time.Time { return now.Add(26 * time.Hour) }
	if err := s.Tick(); err != nil {
		t.Fatalf("tick next day: %v", err)
	}
	if got := listPrefix(t, v, vault.Scheduled, "TRIGGER_daily_briefing"); len(got) != 2 {
		t.Fatalf("triggers = %v, want 2", got)
	}
}

func TestWeeklyAuditOnFriday(t *testing.T) {
	// 2026-03-13 is a Friday.
	friday := time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC)
	s, v := newTestScheduler(t, friday)
	s.WeeklyAt = "17:00"

	if err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := s.Tick(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	got := listPrefix(t, v, vault.Scheduled, "TRIGGER_weekly_audit")
	if len(got) != 1 {
		t.Fatalf("triggers = %v, want 1", got)
	}

	// Thursday emits nothing.
	s.Now = func() time.Time { return friday.Add(-24 * time.Hour) }
	if err := s.Tick(); err != nil {
		t.Fatalf("thursday tick: %v", err)
	}
	if got := listPrefix(t, v, vault.Scheduled, "TRIGGER_weekly_audit"); len(got) != 1 {
		t.Fatalf("triggers = %v, want still 1", got)
	}
}

func TestSLAAlertDeduped(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, v := newTestScheduler(t, now)
	s.SLAKind = "EMAIL"
	s.SLAThreshold = 24 * time.Hour

	stale := vault.Item{
		Name:   "EMAIL_20260308T120000Z_Old_request.md",
		Header: vault.Header{Type: "email", Created: now.Add(-48 * time.Hour).Format(time.RFC3339)},
	}
	fresh := vault.Item{
		Name:   "EMAIL_20260310T110000Z_New_request.md",
		Header: vault.Header{Type: "email", Created: now.Add(-time.Hour).Format(time.RFC3339)},
	}
	other := vault.Item{
		Name:   "TASK_20260308T120000Z_Not_email.md",
		Header: vault.Header{Type: "task", Created: now.Add(-48 * time.Hour).Format(time.RFC3339)},
	}
	for _, it := range []vault.Item{stale, fresh, other} {
		if err := v.Create(vault.NeedsAction, it); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		if err := s.CheckSLA(); err != nil {
			t.Fatalf("check sla: %v", err)
		}
	}
	alerts := listPrefix(t, v, vault.NeedsAction, "ALERT_sla_")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v, want exactly 1 for the stale email", alerts)
	}
	if !strings.Contains(alerts[0], vault.Stem(stale.Name)) {
		t.Fatalf("alert %q does not reference %q", alerts[0], stale.Name)
	}
}

func TestExpiryFlagLeavesRequestInPlace(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, v := newTestScheduler(t, now)

	req := approval.NewRequest(approval.ActionSendEmail, "EMAIL_src.md", "stale", "body", now.Add(-100*time.Hour), 72*time.Hour)
	live := approval.NewRequest(approval.ActionSendEmail, "EMAIL_src2.md", "live", "body", now.Add(-time.Hour), 72*time.Hour)
	for _, it := range []vault.Item{req, live} {
		if err := v.Create(vault.PendingApproval, it); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := s.CheckExpiry(); err != nil {
			t.Fatalf("check expiry: %v", err)
		}
	}
	flags := listPrefix(t, v, vault.NeedsAction, "ALERT_expired_")
	if len(flags) != 1 {
		t.Fatalf("flags = %v, want 1", flags)
	}
	// The expired request is flagged, never moved.
	if _, err := v.Read(vault.PendingApproval, req.Name); err != nil {
		t.Fatalf("expired request moved: %v", err)
	}
}
