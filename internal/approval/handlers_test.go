package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"workvault/internal/vault"
)

func fixedHandlers(v *vault.Vault) *Handlers {
	h := NewHandlers(v)
	h.Now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	return h
}

func TestSendEmailSpoolsOutbox(t *testing.T) {
	v := newTestVault(t)
	h := fixedHandlers(v)
	req := vault.Item{
		Name: "APPROVAL_send_email_x.md",
		Header: vault.Header{
			Type: "approval_request", Action: "send_email", CorrelationID: "c-1",
			Extra: map[string]any{"to": "client@example.com", "subject": "Re: Quote"},
		},
		Body: "Dear client,\nHere is the quote.\n",
	}
	out, err := h.SendEmail(context.Background(), req)
	if err != nil {
		t.Fatalf("send email: %v", err)
	}
	if !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	names, _ := v.List(vault.Outbox)
	if len(names) != 1 {
		t.Fatalf("outbox = %v", names)
	}
	spooled, err := v.Read(vault.Outbox, names[0])
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if spooled.Header.Extra["to"] != "client@example.com" || spooled.Header.CorrelationID != "c-1" {
		t.Fatalf("spooled header = %+v", spooled.Header)
	}
	if !strings.Contains(spooled.Body, "Here is the quote.") {
		t.Fatalf("spooled body = %q", spooled.Body)
	}
}

func TestSendEmailWithoutRecipientFails(t *testing.T) {
	v := newTestVault(t)
	h := fixedHandlers(v)
	out, err := h.SendEmail(context.Background(), vault.Item{Name: "APPROVAL_x.md"})
	if err != nil {
		t.Fatalf("send email: %v", err)
	}
	if out.OK || out.Reason == "" {
		t.Fatalf("outcome = %+v, want domain failure", out)
	}
	names, _ := v.List(vault.Outbox)
	if len(names) != 0 {
		t.Fatalf("outbox not empty: %v", names)
	}
}

func TestPostSocialEmitsTriggerPerPlatform(t *testing.T) {
	v := newTestVault(t)
	h := fixedHandlers(v)
	req := vault.Item{
		Name: "APPROVAL_post_social_x.md",
		Header: vault.Header{
			Action: "post_social",
			Extra:  map[string]any{"platforms": []any{"linkedin", "twitter"}},
		},
		Body: "Announcement text.\n",
	}
	out, err := h.PostSocial(context.Background(), req)
	if err != nil {
		t.Fatalf("post social: %v", err)
	}
	if !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	names, _ := v.List(vault.Scheduled)
	if len(names) != 2 {
		t.Fatalf("triggers = %v, want one per platform", names)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "TRIGGER_social_") {
			t.Fatalf("trigger name = %q", n)
		}
	}
}

func TestCreateInvoice(t *testing.T) {
	v := newTestVault(t)
	h := fixedHandlers(v)
	req := vault.Item{
		Name: "APPROVAL_create_invoice_x.md",
		Header: vault.Header{
			Action: "create_invoice",
			Extra:  map[string]any{"client": "Acme Corp", "amount": 1200},
		},
		Body: "Consulting, March.\n",
	}
	out, err := h.CreateInvoice(context.Background(), req)
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	names, _ := v.List(vault.Invoices)
	if len(names) != 1 || !strings.HasPrefix(names[0], "INVOICE_20260310T090000Z_Acme") {
		t.Fatalf("invoices = %v", names)
	}
}

func TestStartLoopOnceAtATime(t *testing.T) {
	v := newTestVault(t)
	h := fixedHandlers(v)
	req := vault.Item{
		Name:   "APPROVAL_start_loop_x.md",
		Header: vault.Header{Action: "start_loop", Extra: map[string]any{"goal": "clear backlog", "max_iterations": 5}},
	}
	out, err := h.StartLoop(context.Background(), req)
	if err != nil {
		t.Fatalf("start loop: %v", err)
	}
	if !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	data, err := os.ReadFile(filepath.Join(v.Root, vault.LoopState, "loop_current.json"))
	if err != nil {
		t.Fatalf("read loop state: %v", err)
	}
	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode loop state: %v", err)
	}
	if st.Goal != "clear backlog" || st.MaxIterations != 5 || st.Iteration != 0 {
		t.Fatalf("loop state = %+v", st)
	}

	out, err = h.StartLoop(context.Background(), req)
	if err != nil {
		t.Fatalf("second start loop: %v", err)
	}
	if out.OK {
		t.Fatalf("second loop accepted while one is running")
	}
}
