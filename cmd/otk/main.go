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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ottotask/internal/app"
	"ottotask/internal/config"
	"ottotask/internal/domain"
	"ottotask/internal/engine"
	"ottotask/internal/logger"
	"ottotask/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "otk",
	Short: "ottotask CLI",
	Long: `ottotask tracks security remediation tasks through a small, audited lifecycle.
- Workspace: a directory holding ottotask.yml and the .ottotask state directory.
- Tasks: work items that move pending -> in_progress -> secured -> archived; failed tasks can be retried or archived.
- Audit log: every transition appends a checksummed entry that is never rewritten.
- Storage: file (one JSON document per task), sqlite or postgres, selected in ottotask.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OTTOTASK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on transitions (defaults to config actor)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default ottotask.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, written, err := app.InitWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "created": written})
			}
			if written {
				fmt.Printf("wrote %s\n", path)
			} else {
				fmt.Printf("%s already exists, left unchanged\n", path)
			}
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks start pending. Allowed moves: pending -> in_progress|archived, in_progress -> secured|failed|pending, secured -> archived, failed -> pending|archived. Archived is final.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskAuditCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due, fields string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				ts, err := parseDue(due)
				if err != nil {
					return err
				}
				opts.DueDate = &ts
			}
			if fields != "" {
				if err := json.Unmarshal([]byte(fields), &opts.CustomFields); err != nil {
					return fmt.Errorf("--fields must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CreatedBy == "" {
					opts.CreatedBy = viper.GetString("actor")
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority: critical, high, medium or low")
	cmd.Flags().StringVar(&opts.SecurityLevel, "security-level", "", "security level: critical, high, medium, low or info")
	cmd.Flags().StringVar(&opts.AssignedTo, "assignee", "", "assignee")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.CreatedBy, "created-by", "", "creator (defaults to --actor, then system)")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringVar(&fields, "fields", "", "custom fields as a JSON object")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseState(state)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.TasksByState(ctx, s)
				if err != nil {
					return err
				}
				return printTasks(tasks, time.Now().UTC())
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(domain.StatePending), "state filter")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var details string
	cmd := &cobra.Command{
		Use:   "transition <id> <state>",
		Short: "Move a task to another state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseState(args[1])
			if err != nil {
				return err
			}
			var d map[string]any
			if details != "" {
				if err := json.Unmarshal([]byte(details), &d); err != nil {
					return fmt.Errorf("--details must be a JSON object: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor")
				if actor == "" {
					actor = a.Config.Actor
				}
				t, err := a.Engine.TransitionTask(ctx, args[0], target, actor, d)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&details, "details", "", "audit details as a JSON object")
	return cmd
}

func taskAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show the audit log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.TaskAuditLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "From", "To", "Actor", "Checksum"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.Timestamp, r.PreviousState, r.NewState, r.Actor, shortSum(r.Checksum)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open tasks past their due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.OverdueTasks(ctx)
				if err != nil {
					return err
				}
				return printTasks(tasks, time.Now().UTC())
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.TaskStatistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Pending", "In progress", "Secured", "Completion"})
				tw.AppendRow(table.Row{st.TotalTasks, st.Pending, st.InProgress, st.Secured, fmt.Sprintf("%.1f%%", st.CompletionRate*100)})
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config comes from built-in defaults, then ottotask.yml, then OTTOTASK_* environment variables.",
	}
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			log := logger.New(cfg.Logging, os.Stderr)
			a, err := app.Open(cmd.Context(), workspace, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			actor := viper.GetString("actor")
			if actor == "" {
				actor = cfg.Actor
			}
			handler, err := server.New(server.Config{
				Engine:       a.Engine,
				BasePath:     cfg.Server.BasePath,
				DefaultActor: actor,
				Tracing:      cfg.Tracing.Enabled,
				Log:          log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Error("shutdown failed", "error", err)
				}
			}()
			log.Info("serving ottotask API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "backend", cfg.Storage.Backend)
			fmt.Printf("Serving ottotask API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, logger.New(cfg.Logging, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func printTask(t *domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Title", t.Title},
		{"State", t.State},
		{"Priority", t.Priority},
		{"Security level", t.SecurityLevel},
		{"Assignee", stringOrDash(t.AssignedTo)},
		{"Due", timeOrDash(t.DueDate)},
		{"Completed", timeOrDash(t.CompletionDate)},
		{"Created by", t.Metadata.CreatedBy},
		{"Tags", strings.Join(t.Metadata.Tags, ", ")},
		{"Audit entries", len(t.AuditLog)},
		{"Version", t.Version},
		{"Checksum", shortSum(t.Checksum)},
	})
	tw.Render()
	return nil
}

func printTasks(tasks []*domain.Task, now time.Time) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "State", "Priority", "Security", "Assignee", "Due"})
	for _, t := range tasks {
		due := timeOrDash(t.DueDate)
		open := t.State == domain.StatePending || t.State == domain.StateInProgress
		if open && t.IsOverdue(now) {
			due += " (overdue)"
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.State, t.Priority, t.SecurityLevel, stringOrDash(t.AssignedTo), due})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDue(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--due must be RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return ts.UTC(), nil
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
