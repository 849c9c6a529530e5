package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/audit"
	"workvault/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v := vault.Open(t.TempDir())
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	return v
}

func newTestExecutor(t *testing.T, v *vault.Vault) (*Executor, *audit.Log) {
	t.Helper()
	log := audit.New(t.TempDir())
	return NewExecutor(v, log, "orchestrator", zerolog.Nop()), log
}

func TestNewRequest(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	it := NewRequest(ActionSendEmail, "EMAIL_src.md", "reply to client", "Dear client,\n", now, 72*time.Hour)
	if !IsRequest(it) {
		t.Fatalf("not recognized as request: %+v", it.Header)
	}
	if it.Header.Action != "send_email" || it.Header.SourceTask != "EMAIL_src.md" {
		t.Fatalf("header = %+v", it.Header)
	}
	if it.Header.CorrelationID == "" {
		t.Fatalf("missing correlation id")
	}
	if it.Header.Expires != "2026-03-13T09:00:00Z" {
		t.Fatalf("expires = %q", it.Header.Expires)
	}
	if Expired(it, now.Add(time.Hour)) {
		t.Fatalf("expired too early")
	}
	if !Expired(it, now.Add(80*time.Hour)) {
		t.Fatalf("not expired after deadline")
	}
	if Expired(vault.Item{}, now) {
		t.Fatalf("item without expiry reported expired")
	}
}

func TestParseAction(t *testing.T) {
	if a, ok := ParseAction("send_email"); !ok || a != ActionSendEmail {
		t.Fatalf("ParseAction send_email = %v, %v", a, ok)
	}
	if _, ok := ParseAction("launch_rocket"); ok {
		t.Fatalf("unknown action parsed")
	}
}

// Items still waiting for a human never execute.
func TestPendingIsNotExecuted(t *testing.T) {
	v := newTestVault(t)
	e, _ := newTestExecutor(t, v)
	executed := 0
	e.Register(ActionSendEmail, func(ctx context.Context, it vault.Item) (Outcome, error) {
		executed++
		return Outcome{OK: true}, nil
	})
	req := NewRequest(ActionSendEmail, "EMAIL_src.md", "x", "body", time.Now(), 0)
	if err := v.Create(vault.PendingApproval, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if executed != 0 {
		t.Fatalf("pending request executed %d times", executed)
	}
	if _, err := v.Read(vault.PendingApproval, req.Name); err != nil {
		t.Fatalf("pending request moved: %v", err)
	}
}

func TestApprovedExecutesAndArchivesOnce(t *testing.T) {
	v := newTestVault(t)
	e, auditLog := newTestExecutor(t, v)
	executed := 0
	e.Register(ActionSendEmail, func(ctx context.Context, it vault.Item) (Outcome, error) {
		executed++
		return Outcome{OK: true}, nil
	})
	req := NewRequest(ActionSendEmail, "EMAIL_src.md", "x", "body", time.Now(), 0)
	if err := v.Create(vault.PendingApproval, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := v.Decide(req.Name, true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if executed != 1 {
		t.Fatalf("executed %d times, want 1", executed)
	}
	if _, err := v.Read(vault.Done, req.Name); err != nil {
		t.Fatalf("executed request not archived: %v", err)
	}

	now := time.Now()
	entries, err := auditLog.ReadRange(now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if len(entries) != 1 || entries[0].ActionType != "send_email" || entries[0].Result != "success" {
		t.Fatalf("audit entries = %+v", entries)
	}
}

// A handler error leaves the approval in place; the next tick retries.
func TestHandlerErrorRetries(t *testing.T) {
	v := newTestVault(t)
	e, _ := newTestExecutor(t, v)
	calls := 0
	e.Register(ActionSendEmail, func(ctx context.Context, it vault.Item) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{}, errors.New("smtp bridge down")
		}
		return Outcome{OK: true}, nil
	})
	req := NewRequest(ActionSendEmail, "EMAIL_src.md", "x", "body", time.Now(), 0)
	if err := v.Create(vault.Approved, req); err != nil {
		t.Fatalf("create approved: %v", err)
	}

	ctx := context.Background()
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := v.Read(vault.Approved, req.Name); err != nil {
		t.Fatalf("item moved despite handler error: %v", err)
	}
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want retry", calls)
	}
	if _, err := v.Read(vault.Done, req.Name); err != nil {
		t.Fatalf("item not archived after successful retry: %v", err)
	}
}

// A domain failure consumes the approval: audited as failed, archived, not
// retried.
func TestDomainFailureConsumes(t *testing.T) {
	v := newTestVault(t)
	e, auditLog := newTestExecutor(t, v)
	e.Register(ActionSendEmail, func(ctx context.Context, it vault.Item) (Outcome, error) {
		return Outcome{OK: false, Reason: "recipient bounced"}, nil
	})
	req := NewRequest(ActionSendEmail, "EMAIL_src.md", "x", "body", time.Now(), 0)
	if err := v.Create(vault.Approved, req); err != nil {
		t.Fatalf("create approved: %v", err)
	}
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := v.Read(vault.Done, req.Name); err != nil {
		t.Fatalf("failed action not archived: %v", err)
	}
	now := time.Now()
	entries, _ := auditLog.ReadRange(now.Add(-time.Hour), now)
	if len(entries) != 1 || entries[0].Result != "failed" {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestUnknownActionLeftForTriage(t *testing.T) {
	v := newTestVault(t)
	e, _ := newTestExecutor(t, v)
	it := vault.Item{
		Name:   "APPROVAL_mystery.md",
		Header: vault.Header{Type: requestType, Action: "launch_rocket"},
	}
	if err := v.Create(vault.Approved, it); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if _, err := v.Read(vault.Approved, it.Name); err != nil {
		t.Fatalf("unknown action moved out of Approved: %v", err)
	}
}

func TestRejectedArchivedWithAudit(t *testing.T) {
	v := newTestVault(t)
	e, auditLog := newTestExecutor(t, v)
	req := NewRequest(ActionSendEmail, "EMAIL_src.md", "x", "body", time.Now(), 0)
	if err := v.Create(vault.PendingApproval, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Decide(req.Name, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := v.Read(vault.Done, req.Name); err != nil {
		t.Fatalf("rejected request not archived: %v", err)
	}
	now := time.Now()
	entries, _ := auditLog.ReadRange(now.Add(-time.Hour), now)
	if len(entries) != 1 || entries[0].ActionType != "rejection" {
		t.Fatalf("audit entries = %+v", entries)
	}
}
