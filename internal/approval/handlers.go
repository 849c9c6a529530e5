package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"workvault/internal/vault"
)

// Handlers implements the built-in actions. Every handler spools a record
// into the vault instead of calling an external system directly; the
// record is what an outbound bridge or an operator picks up.
type Handlers struct {
	Vault *vault.Vault
	Now   func() time.Time
}

// NewHandlers returns the built-in action handlers.
func NewHandlers(v *vault.Vault) *Handlers {
	return &Handlers{Vault: v, Now: time.Now}
}

// RegisterAll binds every built-in handler to its action tag.
func (h *Handlers) RegisterAll(e *Executor) {
	e.Register(ActionSendEmail, h.SendEmail)
	e.Register(ActionPostSocial, h.PostSocial)
	e.Register(ActionCreateInvoice, h.CreateInvoice)
	e.Register(ActionStartLoop, h.StartLoop)
}

func extraString(it vault.Item, key string) string {
	if s, ok := it.Header.Extra[key].(string); ok {
		return s
	}
	return ""
}

// SendEmail spools the approved draft as an outbound record in Outbox/.
func (h *Handlers) SendEmail(ctx context.Context, it vault.Item) (Outcome, error) {
	to := extraString(it, "to")
	if to == "" {
		return Outcome{OK: false, Reason: "draft has no recipient"}, nil
	}
	now := h.Now().UTC()
	out := vault.Item{
		Name: vault.ItemName("OUTBOX", now, to),
		Header: vault.Header{
			Type:          "outbound_email",
			SourceTask:    it.Name,
			CorrelationID: it.Header.CorrelationID,
			Created:       now.Format(time.RFC3339),
			Extra: map[string]any{
				"to":      to,
				"subject": extraString(it, "subject"),
			},
		},
		Body: it.Body,
	}
	if err := h.Vault.Create(vault.Outbox, out); err != nil {
		return Outcome{}, fmt.Errorf("spool outbound email: %w", err)
	}
	return Outcome{OK: true}, nil
}

// PostSocial emits one publish trigger per target platform into Scheduled/.
func (h *Handlers) PostSocial(ctx context.Context, it vault.Item) (Outcome, error) {
	platforms := platformList(it)
	if len(platforms) == 0 {
		return Outcome{OK: false, Reason: "no target platform"}, nil
	}
	now := h.Now().UTC()
	for _, p := range platforms {
		trig := vault.Item{
			Name: vault.ItemName("TRIGGER_social_"+p, now, vault.Stem(it.Name)),
			Header: vault.Header{
				Type:          "trigger",
				SourceTask:    it.Name,
				CorrelationID: it.Header.CorrelationID,
				Created:       now.Format(time.RFC3339),
				Extra:         map[string]any{"platform": p},
			},
			Body: it.Body,
		}
		if err := h.Vault.Create(vault.Scheduled, trig); err != nil {
			return Outcome{}, fmt.Errorf("emit publish trigger for %s: %w", p, err)
		}
	}
	return Outcome{OK: true}, nil
}

func platformList(it vault.Item) []string {
	if raw, ok := it.Header.Extra["platforms"].([]any); ok {
		var out []string
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if p := extraString(it, "platform"); p != "" {
		return []string{p}
	}
	return nil
}

// CreateInvoice writes an invoice record item into Invoices/.
func (h *Handlers) CreateInvoice(ctx context.Context, it vault.Item) (Outcome, error) {
	client := extraString(it, "client")
	if client == "" {
		return Outcome{OK: false, Reason: "invoice has no client"}, nil
	}
	now := h.Now().UTC()
	inv := vault.Item{
		Name: vault.ItemName("INVOICE", now, client),
		Header: vault.Header{
			Type:          "invoice",
			SourceTask:    it.Name,
			CorrelationID: it.Header.CorrelationID,
			Created:       now.Format(time.RFC3339),
			Extra: map[string]any{
				"client": client,
				"amount": it.Header.Extra["amount"],
			},
		},
		Body: it.Body,
	}
	if err := h.Vault.Create(vault.Invoices, inv); err != nil {
		return Outcome{}, fmt.Errorf("write invoice record: %w", err)
	}
	return Outcome{OK: true}, nil
}

// LoopState is the autonomous-loop bookkeeping file.
type LoopState struct {
	Goal          string `json:"goal"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Started       string `json:"started"`
	SourceTask    string `json:"source_task"`
}

const loopStateFile = "loop_current.json"

// StartLoop initializes the bounded autonomous-loop state. A loop already
// in flight makes the request a domain failure, not an error.
func (h *Handlers) StartLoop(ctx context.Context, it vault.Item) (Outcome, error) {
	goal := extraString(it, "goal")
	if goal == "" {
		return Outcome{OK: false, Reason: "loop has no goal"}, nil
	}
	path := filepath.Join(h.Vault.Root, vault.LoopState, loopStateFile)
	if _, err := os.Stat(path); err == nil {
		return Outcome{OK: false, Reason: "a loop is already running"}, nil
	}
	maxIter := 10
	if n, ok := it.Header.Extra["max_iterations"].(int); ok && n > 0 {
		maxIter = n
	}
	st := LoopState{
		Goal:          goal,
		Iteration:     0,
		MaxIterations: maxIter,
		Started:       h.Now().UTC().Format(time.RFC3339),
		SourceTask:    it.Name,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("encode loop state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("write loop state: %w", err)
	}
	return Outcome{OK: true}, nil
}
