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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spawnd/internal/audit"
	"spawnd/internal/config"
	"spawnd/internal/db"
	"spawnd/internal/dispatch"
	"spawnd/internal/domain"
	"spawnd/internal/migrate"
	"spawnd/internal/registry"
	"spawnd/internal/server"
	"spawnd/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "spawnd",
	Short: "Sub-agent orchestration service",
	Long: `Spawnd dispatches isolated worker processes for declarative agent types.
An agent type names what a worker may do (tools, capability servers, filesystem
jail, read-only flag) and what a task is estimated to cost. Every spawn is
confined to its resolved jail, bounded by a timeout, and recorded in an
append-only audit store for cost and outcome reporting.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPAWND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "service workspace directory (config, registry, audit db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(spawnCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(toolsCmd())
}

func spawnCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "spawn <agent_type> <task> <workspace_dir>",
		Short: "Run one task on a worker of the given agent type",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.SpawnRequest{
				AgentType:    args[0],
				Task:         args[1],
				WorkspaceDir: args[2],
				RequestedBy:  "cli",
			}
			if cmd.Flags().Changed("timeout") {
				req.TimeoutSeconds = &timeoutSeconds
			}
			var res domain.SpawnResult
			err := withDispatcher(cmd.Context(), func(ctx context.Context, d *dispatch.Dispatcher) error {
				var spawnErr error
				res, spawnErr = d.SpawnAgent(ctx, req)
				return spawnErr
			})
			if err != nil {
				return err
			}
			printSpawnResult(res)
			if res.Status != domain.StatusSuccess {
				// Exit code contract: zero only for status=success.
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "timeout in seconds (default from spawnd.yml)")
	return cmd
}

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Inspect registered agent types"}
	agents.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agent types",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			specs := reg.List()
			if viper.GetBool("json") {
				return printJSON(specs)
			}
			t := newTable("AGENT TYPE", "TIER", "READ-ONLY", "TOOLS", "COST/TASK", "DESCRIPTION")
			for _, s := range specs {
				t.AppendRow(table.Row{
					s.AgentType, s.ModelTier, s.ReadOnly,
					len(s.AllowedTools), fmt.Sprintf("$%.3f", s.CostPerTaskUSD), s.Description,
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	})
	agents.AddCommand(&cobra.Command{
		Use:   "show <agent_type>",
		Short: "Show one agent type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			spec, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(spec)
		},
	})
	return agents
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Query the spawn audit store"}

	var agentType, workspaceDir, status, since string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent spawn records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store audit.Store) error {
				recs, err := store.Query(ctx, audit.Filter{
					AgentType:    agentType,
					WorkspaceDir: workspaceDir,
					Status:       status,
					Since:        since,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				t := newTable("STARTED", "AGENT TYPE", "STATUS", "SECONDS", "COST", "WORKSPACE")
				for _, r := range recs {
					t.AppendRow(table.Row{
						r.StartedAt, r.AgentType, r.Status,
						fmt.Sprintf("%.2f", r.ExecutionTimeSeconds),
						fmt.Sprintf("$%.3f", r.EstimatedCostUSD), r.WorkspaceDir,
					})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	tail.Flags().StringVar(&agentType, "agent-type", "", "filter by agent type")
	tail.Flags().StringVar(&workspaceDir, "workspace-dir", "", "filter by task workspace")
	tail.Flags().StringVar(&status, "status", "", "filter by terminal status")
	tail.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on start time")
	tail.Flags().IntVar(&limit, "n", 20, "number of records")
	auditRoot.AddCommand(tail)

	var days int
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate cost and outcomes per agent type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store audit.Store) error {
				sinceTS := ""
				if days > 0 {
					sinceTS = time.Now().UTC().AddDate(0, 0, -days).Format(domain.TimestampFormat)
				}
				sums, err := store.Summarize(ctx, sinceTS)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sums)
				}
				t := newTable("AGENT TYPE", "SPAWNS", "SUCCESSES", "TOTAL COST", "TOTAL SECONDS")
				for _, s := range sums {
					t.AppendRow(table.Row{
						s.AgentType, s.Spawns, s.Successes,
						fmt.Sprintf("$%.3f", s.TotalCostUSD), fmt.Sprintf("%.1f", s.TotalSeconds),
					})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	summary.Flags().IntVar(&days, "days", 0, "only records from the last N days")
	auditRoot.AddCommand(summary)
	return auditRoot
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Manage the agent type registry"}
	reg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the registry file without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRegistry()
			if err != nil {
				return err
			}
			fmt.Printf("registry ok: %d agent types\n", len(r.List()))
			return nil
		},
	})
	return reg
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage spawnd configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default spawnd.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the static tool capability table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				out := map[string]string{}
				for _, name := range tools.All() {
					c, _ := tools.Lookup(name)
					out[name] = string(c)
				}
				return printJSON(out)
			}
			t := newTable("TOOL", "CLASSIFICATION")
			for _, name := range tools.All() {
				c, _ := tools.Lookup(name)
				t.AppendRow(table.Row{name, string(c)})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return withDispatcher(cmd.Context(), func(ctx context.Context, d *dispatch.Dispatcher) error {
				handler, err := server.New(server.Config{
					Dispatcher: d,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: os.Getenv("SPAWND_JWT_SECRET")},
				})
				if err != nil {
					return err
				}

				// SIGHUP re-reads the registry file without a restart.
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)
				go func() {
					for range hup {
						if err := d.Registry.Reload(); err != nil {
							fmt.Fprintln(os.Stderr, "registry reload failed:", err)
							continue
						}
						fmt.Fprintf(os.Stderr, "registry reloaded: %d agent types\n", len(d.Registry.List()))
					}
				}()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving spawnd API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

// --- helpers ---

func loadRegistry() (*registry.Registry, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return registry.Load(cfg.RegistryPath(workspace))
}

func withStore(ctx context.Context, fn func(context.Context, audit.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, audit.Store{DB: conn})
}

func withDispatcher(ctx context.Context, fn func(context.Context, *dispatch.Dispatcher) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	reg, err := registry.Load(cfg.RegistryPath(workspace))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	d := dispatch.New(reg, cfg, audit.Store{DB: conn})
	d.FallbackPath = db.Path(workspace) + ".fallback.jsonl"
	return fn(ctx, d)
}

func printSpawnResult(res domain.SpawnResult) {
	if viper.GetBool("json") {
		_ = printJSON(res)
		return
	}
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintln(os.Stderr, res.ErrorMessage)
	}
	fmt.Fprintf(os.Stderr, "status=%s cost=$%.3f elapsed=%.2fs\n",
		res.Status, res.EstimatedCostUSD, res.ExecutionTimeSeconds)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}
