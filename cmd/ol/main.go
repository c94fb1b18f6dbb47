package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsloop/internal/app"
	"opsloop/internal/bridge"
	"opsloop/internal/config"
	"opsloop/internal/db"
	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/heartbeat"
	"opsloop/internal/logger"
	"opsloop/internal/repo"
	"opsloop/internal/server"
	"opsloop/internal/trigger"
	"opsloop/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsloop CLI",
	Long: `Opsloop runs a closed work loop: agents propose work, policy gates decide,
approved proposals become missions with queued steps, workers claim and run
steps, and a heartbeat recovers stale work and evaluates triggers.
Everything that happens lands in an append-only event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Setup(viper.GetString("log-level"))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-user", "agent identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Short: "Manage proposals"}
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	return p
}

func proposalCreateCmd() *cobra.Command {
	var kind, title, body string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateProposal(ctx, engine.ProposalCreateOptions{
					AgentID: viper.GetString("agent-id"),
					Kind:    kind,
					Title:   title,
					Body:    body,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "proposal kind")
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&body, "body", "", "proposal body")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				proposals, err := r.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proposals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Kind", "Title", "Status", "Created"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.ID, p.AgentID, p.Kind, p.Title, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectProposal(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	return m
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				missions, err := r.ListMissions(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created", "Completed"})
				for _, m := range missions {
					completed := ""
					if m.CompletedAt != nil {
						completed = *m.CompletedAt
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.CreatedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show mission with steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, steps, err := e.MissionDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"mission": m, "steps": steps})
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage policy store"}
	p.AddCommand(policyListCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				policies, err := r.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(policies)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Updated"})
				for _, p := range policies {
					tw.AppendRow(table.Row{p.Key, p.ValueJSON, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func policySetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value-json>",
		Short: "Set policy value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetPolicy(ctx, args[0], args[1]); err != nil {
					return err
				}
				entry, err := r.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	return cmd
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{Use: "trigger", Short: "Manage triggers"}
	t.AddCommand(triggerListCmd())
	t.AddCommand(triggerCreateCmd())
	t.AddCommand(triggerEnableCmd(true))
	t.AddCommand(triggerEnableCmd(false))
	return t
}

func triggerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				triggers, err := r.ListTriggers(ctx, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(triggers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Event", "Enabled", "Cooldown", "Watermark"})
				for _, t := range triggers {
					tw.AppendRow(table.Row{t.ID, t.Name, t.EventKind, t.Enabled, t.CooldownS, t.LastEventID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func triggerCreateCmd() *cobra.Command {
	var name, eventKind, condition, action string
	var cooldown int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || eventKind == "" || action == "" {
				return fmt.Errorf("--name, --event and --action required")
			}
			if _, err := trigger.DecodeAction(action); err != nil {
				return err
			}
			if condition == "" {
				condition = "{}"
			} else if _, err := trigger.DecodeCondition(condition); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				latest, err := r.LatestEventID(ctx)
				if err != nil {
					return err
				}
				t := domain.Trigger{
					ID:            uuid.New().String(),
					Name:          name,
					EventKind:     eventKind,
					ConditionJSON: condition,
					ActionJSON:    action,
					Enabled:       true,
					CooldownS:     cooldown,
					LastEventID:   latest,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertTrigger(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "trigger name")
	cmd.Flags().StringVar(&eventKind, "event", "", "event kind to watch")
	cmd.Flags().StringVar(&condition, "condition", "", "condition JSON")
	cmd.Flags().StringVar(&action, "action", "", "action JSON")
	cmd.Flags().IntVar(&cooldown, "cooldown", 0, "cooldown seconds")
	return cmd
}

func triggerEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable trigger"
	if !enable {
		use, short = "disable <id>", "Disable trigger"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetTriggerEnabled(ctx, args[0], enable); err != nil {
					return err
				}
				t, err := r.GetTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run step workers"}
	w.AddCommand(workerRunCmd())
	return w
}

func workerRunCmd() *cobra.Command {
	var kind, workerID string
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and run steps of one kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			if workerID == "" {
				workerID = fmt.Sprintf("%s-%d", kind, os.Getpid())
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				pool := worker.Pool{
					Engine:       a.Engine,
					Kind:         kind,
					WorkerID:     workerID,
					PollInterval: a.Config.WorkerPollInterval(),
				}
				if once {
					_, err := pool.RunOnce(ctx)
					return err
				}
				return pool.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "step kind to work on")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identifier")
	cmd.Flags().BoolVar(&once, "once", false, "run a single claim cycle and exit")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Run heartbeat maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				hb := heartbeat.New(a.Engine)
				if loop {
					return hb.Run(ctx, a.Config.HeartbeatInterval())
				}
				if err := hb.Tick(ctx); err != nil {
					return err
				}
				runs, err := a.Repo.ListActionRuns(ctx, 10)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep ticking on the configured interval")
	return cmd
}

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Watch bridge directories and emit file events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w := bridge.Watcher{
					Inbox:   a.Config.Bridge.Inbox,
					Outputs: a.Config.Bridge.Outputs,
					Events:  a.Engine.Events,
				}
				return w.Run(ctx)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var kind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, kind)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				hb := heartbeat.New(a.Engine)
				handler, err := server.New(server.Config{Engine: a.Engine, Heartbeat: hb, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Opsloop API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Repo)
	})
}

func printJSONOrTable(v any) error {
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
