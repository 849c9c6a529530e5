package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"workvault/internal/approval"
	"workvault/internal/audit"
	"workvault/internal/config"
	"workvault/internal/health"
	"workvault/internal/sched"
	"workvault/internal/state"
	"workvault/internal/vault"
	"workvault/internal/watcher"
)

// Orchestrator is the local agent. It runs the watchers, the approval
// executor, the scheduler, its own heartbeat, and the dashboard snapshot,
// all against one vault.
type Orchestrator struct {
	Cfg   *config.Config
	Vault *vault.Vault
	Store *state.Store
	Audit *audit.Log
	Log   zerolog.Logger
	Now   func() time.Time
}

// NewOrchestrator wires the orchestrator from loaded config.
func NewOrchestrator(cfg *config.Config, v *vault.Vault, store *state.Store, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Cfg:   cfg,
		Vault: v,
		Store: store,
		Audit: audit.New(filepath.Join(v.Root, vault.Logs)),
		Log:   log,
		Now:   time.Now,
	}
}

// Run starts every loop and blocks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Vault.EnsureLayout(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
		o.Log.Debug().Str("loop", name).Msg("loop started")
	}

	for _, r := range o.buildRunners(ctx) {
		runner := r
		start("watcher:"+runner.Watcher.Name(), runner.Run)
	}

	executor := approval.NewExecutor(o.Vault, o.Audit, o.Cfg.Agent.ID, o.Log)
	approval.NewHandlers(o.Vault).RegisterAll(executor)
	start("executor", func(ctx context.Context) {
		executor.Run(ctx, o.interval(o.Cfg.Intervals.Orchestrator, 5*time.Second))
	})

	scheduler := sched.New(o.Vault, o.Log)
	scheduler.Now = o.Now
	scheduler.SLAKind = o.Cfg.SLA.Kind
	scheduler.SLAThreshold = o.Cfg.SLA.Threshold.Std()
	scheduler.DailyAt = o.Cfg.Schedule.DailyBriefing
	scheduler.WeeklyAt = o.Cfg.Schedule.WeeklyAudit
	start("scheduler", func(ctx context.Context) {
		scheduler.Run(ctx, o.interval(o.Cfg.Intervals.Scheduler, time.Minute))
	})

	start("heartbeat", func(ctx context.Context) {
		o.heartbeatLoop(ctx, o.interval(o.Cfg.Intervals.Heartbeat, time.Minute))
	})
	start("dashboard", func(ctx context.Context) {
		o.dashboardLoop(ctx, o.interval(o.Cfg.Intervals.Dashboard, 30*time.Second))
	})

	o.Log.Info().Str("agent", o.Cfg.Agent.ID).Str("vault", o.Vault.Root).Msg("orchestrator running")
	wg.Wait()
	return nil
}

func (o *Orchestrator) interval(d config.Duration, fallback time.Duration) time.Duration {
	if d.Std() > 0 {
		return d.Std()
	}
	return fallback
}

// buildRunners assembles the configured watchers. A feed missing its URL
// or its token is skipped with a warning, never a crash.
func (o *Orchestrator) buildRunners(ctx context.Context) []*watcher.Runner {
	var runners []*watcher.Runner
	if o.Cfg.Watchers.Inbox.Enabled {
		w := watcher.NewInboxWatcher(o.Vault.Root)
		runners = append(runners, &watcher.Runner{
			Watcher:  w,
			Vault:    o.Vault,
			Store:    o.Store,
			Interval: o.interval(o.Cfg.Watchers.Inbox.Interval, 30*time.Second),
			Log:      o.Log,
			Now:      o.Now,
			Wake:     w.Notify(ctx, o.Log),
		})
	}
	for _, feed := range o.Cfg.Watchers.Feeds {
		if feed.URL == "" {
			o.Log.Warn().Str("feed", feed.Name).Msg("feed has no url, skipping")
			continue
		}
		token := ""
		if feed.TokenEnv != "" {
			token = os.Getenv(feed.TokenEnv)
			if token == "" {
				o.Log.Warn().Str("feed", feed.Name).Str("env", feed.TokenEnv).Msg("feed token not set, skipping")
				continue
			}
		}
		runners = append(runners, &watcher.Runner{
			Watcher:  watcher.NewFeedWatcher(feed, token),
			Vault:    o.Vault,
			Store:    o.Store,
			Interval: o.interval(feed.Interval, time.Minute),
			Log:      o.Log,
			Now:      o.Now,
		})
	}
	return runners
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		o.heartbeat()
		o.checkPeer()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) heartbeat() {
	counts, err := o.Vault.Counts()
	if err != nil {
		o.Log.Error().Err(err).Msg("bucket counts failed")
		counts = map[string]int{}
	}
	rec := health.Record{
		AgentID:   o.Cfg.Agent.ID,
		Role:      "local",
		Timestamp: o.Now().UTC().Format(time.RFC3339),
		Status:    "running",
		Counters: map[string]int{
			"intake":  counts[vault.NeedsAction],
			"pending": counts[vault.PendingApproval],
		},
	}
	if err := health.Publish(filepath.Join(o.Vault.Root, vault.Signals), rec); err != nil {
		o.Log.Error().Err(err).Msg("heartbeat failed")
	}
}

func (o *Orchestrator) checkPeer() {
	peer := o.Cfg.Agent.Peer
	if peer == "" {
		return
	}
	dir := filepath.Join(o.Vault.Root, vault.Signals)
	rec, seen, err := health.Read(dir, peer)
	if err != nil {
		o.Log.Error().Err(err).Str("peer", peer).Msg("peer health read failed")
		return
	}
	switch health.Classify(rec, seen, o.Now(), o.Cfg.Health.Threshold.Std()) {
	case health.Offline:
		o.Log.Warn().Str("peer", peer).Str("last_seen", rec.Timestamp).Msg("peer looks offline")
	case health.NeverSeen:
		o.Log.Warn().Str("peer", peer).Msg("peer has never reported health")
	}
}

func (o *Orchestrator) dashboardLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.WriteDashboard(); err != nil {
			o.Log.Error().Err(err).Msg("dashboard write failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WriteDashboard rewrites Dashboard.md at the vault root with live bucket
// counts. Only the local agent writes it.
func (o *Orchestrator) WriteDashboard() error {
	counts, err := o.Vault.Counts()
	if err != nil {
		return err
	}
	buckets := make([]string, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	var b strings.Builder
	b.WriteString("# Dashboard\n\n")
	fmt.Fprintf(&b, "Updated: %s by %s\n\n", o.Now().UTC().Format(time.RFC3339), o.Cfg.Agent.ID)
	b.WriteString("| Bucket | Items |\n|---|---|\n")
	for _, bucket := range buckets {
		fmt.Fprintf(&b, "| %s | %d |\n", bucket, counts[bucket])
	}

	recs, err := health.ReadAll(filepath.Join(o.Vault.Root, vault.Signals))
	if err == nil && len(recs) > 0 {
		b.WriteString("\n## Agents\n\n| Agent | Role | Status | Last seen |\n|---|---|---|---|\n")
		for _, rec := range recs {
			status := health.Classify(rec, true, o.Now(), o.Cfg.Health.Threshold.Std())
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", rec.AgentID, rec.Role, status, rec.Timestamp)
		}
	}

	tmp := filepath.Join(o.Vault.Root, ".Dashboard.md.tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(o.Vault.Root, "Dashboard.md")); err != nil {
		return fmt.Errorf("publish dashboard: %w", err)
	}
	return nil
}
