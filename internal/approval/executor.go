package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/audit"
	"workvault/internal/vault"
)

// Outcome is a handler's domain result. OK false means the action itself
// failed (bounce, validation reject); that still consumes the approval.
type Outcome struct {
	OK     bool
	Reason string
}

// Handler executes one approved action. An error return means the attempt
// itself broke (I/O, transient) and the approval stays consumable.
type Handler func(ctx context.Context, it vault.Item) (Outcome, error)

// Executor drains Approved/ and Rejected/. Approved items dispatch on
// their action tag through the registration table; each item executes at
// most once per process and is archived exactly once after its handler
// returns an outcome.
type Executor struct {
	Vault *vault.Vault
	Audit *audit.Log
	Actor string
	Log   zerolog.Logger

	handlers map[Action]Handler
	seen     map[string]bool
}

// NewExecutor returns an executor with an empty registration table.
func NewExecutor(v *vault.Vault, auditLog *audit.Log, actor string, log zerolog.Logger) *Executor {
	return &Executor{
		Vault:    v,
		Audit:    auditLog,
		Actor:    actor,
		Log:      log,
		handlers: make(map[Action]Handler),
		seen:     make(map[string]bool),
	}
}

// Register binds a handler to an action tag.
func (e *Executor) Register(a Action, h Handler) {
	e.handlers[a] = h
}

// Run ticks the executor on the interval until the context is cancelled.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	e.Log.Info().Dur("interval", interval).Msg("approval executor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Tick(ctx); err != nil {
			e.Log.Error().Err(err).Msg("executor tick failed")
		}
		select {
		case <-ctx.Done():
			e.Log.Info().Msg("approval executor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick processes everything currently in Approved/ and Rejected/.
func (e *Executor) Tick(ctx context.Context) error {
	if err := e.drainApproved(ctx); err != nil {
		return err
	}
	return e.drainRejected()
}

func (e *Executor) drainApproved(ctx context.Context) error {
	names, err := e.Vault.List(vault.Approved)
	if err != nil {
		return fmt.Errorf("scan approved: %w", err)
	}
	for _, name := range names {
		if e.seen[name] {
			continue
		}
		it, err := e.Vault.Read(vault.Approved, name)
		if err != nil {
			e.Log.Error().Err(err).Str("item", name).Msg("read approved item failed")
			continue
		}
		e.execute(ctx, it)
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, it vault.Item) {
	log := e.Log.With().Str("item", it.Name).Str("action", it.Header.Action).Logger()

	action, known := ParseAction(it.Header.Action)
	if !known {
		// Operator triage: the item stays in Approved, the log fires once
		// per process.
		log.Error().Msg("unknown action, leaving for triage")
		e.seen[it.Name] = true
		return
	}
	handler, ok := e.handlers[action]
	if !ok {
		log.Error().Msg("no handler registered, leaving for triage")
		e.seen[it.Name] = true
		return
	}

	outcome, err := handler(ctx, it)
	if err != nil {
		// Attempt failed; leave the item in place so the next tick
		// retries. Execution is at-least-once up to the archive.
		log.Error().Err(err).Msg("action attempt failed, will retry")
		return
	}

	result := "success"
	if !outcome.OK {
		result = "failed"
	}
	e.audit(audit.Entry{
		ActionType: string(action),
		Actor:      e.Actor,
		Target:     it.Name,
		Parameters: map[string]any{
			"source_task":    it.Header.SourceTask,
			"correlation_id": it.Header.CorrelationID,
			"reason":         outcome.Reason,
		},
		Result: result,
	})
	if err := e.Vault.Archive(vault.Approved, it.Name); err != nil {
		log.Error().Err(err).Msg("archive after execution failed")
		// Seen stays set: the action ran, re-running would double the
		// side effect.
	}
	e.seen[it.Name] = true
	log.Info().Str("result", result).Msg("approved action executed")
}

func (e *Executor) drainRejected() error {
	names, err := e.Vault.List(vault.Rejected)
	if err != nil {
		return fmt.Errorf("scan rejected: %w", err)
	}
	for _, name := range names {
		it, err := e.Vault.Read(vault.Rejected, name)
		if err != nil {
			e.Log.Error().Err(err).Str("item", name).Msg("read rejected item failed")
			continue
		}
		e.audit(audit.Entry{
			ActionType: "rejection",
			Actor:      e.Actor,
			Target:     name,
			Parameters: map[string]any{"action": it.Header.Action, "source_task": it.Header.SourceTask},
			Result:     "rejected",
		})
		if err := e.Vault.Archive(vault.Rejected, name); err != nil {
			e.Log.Error().Err(err).Str("item", name).Msg("archive rejected failed")
			continue
		}
		e.Log.Info().Str("item", name).Msg("rejected request archived")
	}
	return nil
}

func (e *Executor) audit(entry audit.Entry) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(entry); err != nil {
		e.Log.Error().Err(err).Msg("audit append failed")
	}
}
