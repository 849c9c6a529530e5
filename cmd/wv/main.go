package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workvault/internal/agent"
	"workvault/internal/approval"
	"workvault/internal/audit"
	"workvault/internal/config"
	"workvault/internal/health"
	"workvault/internal/logging"
	"workvault/internal/server"
	"workvault/internal/state"
	"workvault/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "wv",
	Short: "Workvault CLI",
	Long: `Workvault coordinates agents over a shared directory vault.
- Vault: lifecycle buckets (Needs_Action, In_Progress, Pending_Approval, ...)
  holding markdown items with YAML frontmatter.
- Watchers: poll external sources and drop new work into Needs_Action.
- Claims: an agent takes an item with one atomic rename; losers retry.
- Approvals: drafted actions wait in Pending_Approval until a human moves
  them (or 'wv approve' / 'wv reject' does), then the executor runs them.
- Signals: heartbeats, the audit log, and Dashboard.md live in the vault too.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace: config, vault layout, and state db",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(agentID)), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			v := vault.Open(vaultRoot(workspace, cfg))
			if err := v.EnsureLayout(); err != nil {
				return err
			}
			if _, err := state.EnsureWorkspace(workspace); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s, vault: %s\n", cfgPath, v.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "local-agent", "agent id to write into the config")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the local orchestrator",
		Long:  "Starts the watchers, approval executor, scheduler, heartbeat, and dashboard loops. Blocks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.Log.Level, cfg.Log.Format)
			v := vault.Open(vaultRoot(workspace, cfg))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := state.Open(ctx, workspace)
			if err != nil {
				return err
			}
			defer store.Close()

			return agent.NewOrchestrator(cfg, v, store, log).Run(ctx)
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the cloud drafting agent",
		Long:  "Claims EMAIL items from Needs_Action and drafts replies into Pending_Approval. Blocks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.Log.Level, cfg.Log.Format)
			v := vault.Open(vaultRoot(workspace, cfg))
			if err := v.EnsureLayout(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := &agent.CloudAgent{
				Vault:           v,
				Audit:           audit.New(filepath.Join(v.Root, vault.Logs)),
				ID:              actorID(cfg),
				Peer:            cfg.Agent.Peer,
				Interval:        cfg.Intervals.Heartbeat.Std(),
				HealthThreshold: cfg.Health.Threshold.Std(),
				ApprovalExpiry:  cfg.Approvals.DefaultExpiry.Std(),
				Log:             log,
			}
			a.Run(ctx)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault bucket counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				counts, err := v.Counts()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"vault_root": v.Root, "bucket_counts": counts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Bucket", "Items"})
				for _, b := range []string{
					vault.Inbox, vault.NeedsAction, vault.PendingApproval, vault.Approved,
					vault.Rejected, vault.Scheduled, vault.Updates, vault.Outbox,
					vault.Invoices, vault.Done,
				} {
					tw.AppendRow(table.Row{b, counts[b]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Inspect and create vault items",
	}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemCreateCmd())
	return item
}

func itemListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <bucket>",
		Short: "List items in a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				bucket := args[0]
				names, err := v.List(bucket)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					items := make([]vault.Item, 0, len(names))
					for _, name := range names {
						it, err := v.Read(bucket, name)
						if err != nil {
							continue
						}
						it.Body = ""
						items = append(items, it)
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Type", "Source", "Action", "Created"})
				for _, name := range names {
					it, err := v.Read(bucket, name)
					if err != nil {
						continue
					}
					tw.AppendRow(table.Row{it.Name, it.Header.Type, it.Header.Source, it.Header.Action, it.Header.Created})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <bucket> <name>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				it, err := v.Read(args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				data, err := it.Encode()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var kind, title, body, source string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task item in Needs_Action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				now := time.Now().UTC()
				it := vault.Item{
					Name: vault.ItemName(strings.ToUpper(kind), now, title),
					Header: vault.Header{
						Type:    strings.ToLower(kind),
						Source:  source,
						Created: now.Format(time.RFC3339),
					},
					Body: body,
				}
				if err := v.Create(vault.NeedsAction, it); err != nil {
					return err
				}
				return printJSONOrValue(it)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "TASK", "item kind (TASK, EMAIL, ...)")
	cmd.Flags().StringVar(&title, "title", "", "short title, becomes part of the file name")
	cmd.Flags().StringVar(&body, "body", "", "markdown body")
	cmd.Flags().StringVar(&source, "source", "cli", "source tag")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestCmd() *cobra.Command {
	var action, sourceTask, summary, body string
	var extra []string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create an approval request in Pending_Approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			act, ok := approval.ParseAction(action)
			if !ok {
				return fmt.Errorf("unknown action %q, one of: %v", action, approval.Actions())
			}
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				it := approval.NewRequest(act, sourceTask, summary, body, time.Now().UTC(), cfg.Approvals.DefaultExpiry.Std())
				if it.Header.Extra == nil {
					it.Header.Extra = map[string]any{}
				}
				for _, kv := range extra {
					k, val, found := strings.Cut(kv, "=")
					if !found {
						return fmt.Errorf("--extra must be key=value, got %q", kv)
					}
					it.Header.Extra[k] = val
				}
				if err := v.Create(vault.PendingApproval, it); err != nil {
					return err
				}
				return printJSONOrValue(it)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action kind (send_email, post_social, create_invoice, start_loop)")
	cmd.Flags().StringVar(&sourceTask, "source-task", "", "originating item name")
	cmd.Flags().StringVar(&summary, "summary", "", "short summary, becomes part of the file name")
	cmd.Flags().StringVar(&body, "body", "", "markdown body")
	cmd.Flags().StringArrayVar(&extra, "extra", []string{}, "extra header field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func approveCmd() *cobra.Command {
	return decideCmd("approve", "Approve a pending request", true)
}

func rejectCmd() *cobra.Command {
	return decideCmd("reject", "Reject a pending request", false)
}

func decideCmd(verb, short string, approve bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				name := args[0]
				if err := v.Decide(name, approve); err != nil {
					return err
				}
				decision, bucket := "rejected", vault.Rejected
				if approve {
					decision, bucket = "approved", vault.Approved
				}
				vaultLog := audit.New(filepath.Join(v.Root, vault.Logs))
				_ = vaultLog.Append(audit.Entry{
					ActionType: "decision",
					Actor:      actorID(cfg),
					Target:     name,
					Parameters: map[string]any{"decision": decision},
					Result:     "success",
				})
				return printJSONOrValue(map[string]string{"name": name, "bucket": bucket})
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "claim <name>",
		Short: "Claim an intake item for this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				claimed, err := v.Claim(actorID(cfg), from, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]string{
					"name":   claimed.Name,
					"agent":  claimed.AgentID,
					"bucket": claimed.Bucket(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", vault.NeedsAction, "intake bucket to claim from")
	return cmd
}

func releaseCmd() *cobra.Command {
	var outcome, to string
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release a claimed item: done archives it, failed returns it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				name := args[0]
				bucket, err := v.AgentBucket(actorID(cfg))
				if err != nil {
					return err
				}
				var dest string
				switch vault.Outcome(outcome) {
				case vault.OutcomeDone:
					dest = vault.Done
				case vault.OutcomeFailed:
					dest = to
				default:
					return fmt.Errorf("--outcome must be done or failed")
				}
				if err := v.Move(bucket, name, dest); err != nil {
					return err
				}
				return printJSONOrValue(map[string]string{"name": name, "bucket": dest})
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "done", "done or failed")
	cmd.Flags().StringVar(&to, "to", vault.NeedsAction, "bucket a failed item returns to")
	return cmd
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show agent health from Signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				recs, err := health.ReadAll(filepath.Join(v.Root, vault.Signals))
				if err != nil {
					return err
				}
				now := time.Now()
				threshold := cfg.Health.Threshold.Std()
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(recs))
					for _, rec := range recs {
						out = append(out, map[string]any{
							"agent_id":       rec.AgentID,
							"role":           rec.Role,
							"status":         rec.Status,
							"last_seen":      rec.Timestamp,
							"classification": health.Classify(rec, true, now, threshold),
							"counters":       rec.Counters,
						})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Role", "Status", "Health", "Last seen"})
				for _, rec := range recs {
					cls := health.Classify(rec, true, now, threshold)
					tw.AppendRow(table.Row{rec.AgentID, rec.Role, rec.Status, cls, rec.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logsCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(func(cfg *config.Config, v *vault.Vault) error {
				now := time.Now().UTC()
				start, end := now.Add(-24*time.Hour), now
				if from != "" {
					parsed, err := time.Parse("2006-01-02", from)
					if err != nil {
						return fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
					}
					start = parsed
				}
				if to != "" {
					parsed, err := time.Parse("2006-01-02", to)
					if err != nil {
						return fmt.Errorf("--to must be YYYY-MM-DD: %w", err)
					}
					end = parsed.Add(24*time.Hour - time.Second)
				}
				vaultLog := audit.New(filepath.Join(v.Root, vault.Logs))
				entries, err := vaultLog.ReadRange(start, end)
				if err != nil {
					return err
				}
				summary, err := vaultLog.Summarize(start, end)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"entries": entries, "summary": summary})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Action", "Actor", "Target", "Result"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.ActionType, e.Actor, e.Target, e.Result})
				}
				tw.Render()
				fmt.Printf("total: %d, failures: %d\n", summary.Total, summary.Failures)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date YYYY-MM-DD (default: 24h ago)")
	cmd.Flags().StringVar(&to, "to", "", "end date YYYY-MM-DD (default: now)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrValue(loaded)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			v := vault.Open(vaultRoot(workspace, cfg))
			if err := v.EnsureLayout(); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv("WORKVAULT_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				Vault:           v,
				Audit:           audit.New(filepath.Join(v.Root, vault.Logs)),
				HealthThreshold: cfg.Health.Threshold.Std(),
				BasePath:        basePath,
				Auth:            server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Workvault API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withVault(fn func(cfg *config.Config, v *vault.Vault) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	v := vault.Open(vaultRoot(workspace, cfg))
	if err := v.EnsureLayout(); err != nil {
		return err
	}
	return fn(cfg, v)
}

func vaultRoot(workspace string, cfg *config.Config) string {
	p := cfg.Vault.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspace, p)
	}
	return p
}

func actorID(cfg *config.Config) string {
	if id := viper.GetString("agent-id"); id != "" {
		return id
	}
	return cfg.Agent.ID
}

func printJSONOrValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
