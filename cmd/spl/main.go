package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/eventstore"
	"sprintline/internal/migrate"
	"sprintline/internal/repo"
	"sprintline/internal/server"
	"sprintline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "spl",
	Short: "Sprintline CLI",
	Long: `Sprintline drives tasks and sprints through a phase-gated workflow
backed by an append-only event log.

- Workspace: the .sprintline directory holds the database; sprintline.yml
  defines the phase workflow.
- Tasks and sprints: work items with status state machines; every change
  is recorded as an event.
- Sessions: a bounded unit of work walking the configured phases in
  order; completion is validated per phase, overrides are audited.
- Event log: the source of truth; inspect with 'spl log tail', validate
  and replay correlation chains, reconstruct entity state at any time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SPRINTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(reconstructCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("Workspace ready; %s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Workspace ready; wrote default workflow to %s\n", path)
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var createOpts engine.TaskCreateOptions
	var meta []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				createOpts.Metadata = parseMetadata(meta)
				createOpts.Actor = viper.GetString("actor")
				t, err := e.CreateTask(ctx, createOpts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	create.Flags().StringVar(&createOpts.ID, "id", "", "task id (derived when empty)")
	create.Flags().StringVar(&createOpts.Title, "title", "", "title")
	create.Flags().StringVar(&createOpts.Description, "description", "", "description")
	create.Flags().StringVar(&createOpts.SprintID, "sprint", "", "sprint id")
	create.Flags().StringVar(&createOpts.Priority, "priority", "", "priority (P0..P3)")
	create.Flags().StringVar(&createOpts.Assignee, "assignee", "", "assignee")
	create.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = create.MarkFlagRequired("title")
	task.AddCommand(create)

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	task.AddCommand(show)

	var listSprint, listStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SprintID: listSprint, Status: listStatus})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Sprint"})
				for _, t := range tasks {
					sprint := ""
					if t.SprintID != nil {
						sprint = *t.SprintID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, sprint})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listSprint, "sprint", "", "filter by sprint")
	list.Flags().StringVar(&listStatus, "status", "", "filter by status")
	task.AddCommand(list)

	var updateStatus, updatePriority string
	var updateMeta []string
	var force bool
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
					ID:          args[0],
					Status:      updateStatus,
					Priority:    updatePriority,
					SetMetadata: parseMetadata(updateMeta),
					Actor:       viper.GetString("actor"),
					Force:       force,
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	update.Flags().StringVar(&updateStatus, "status", "", "new status")
	update.Flags().StringVar(&updatePriority, "priority", "", "new priority")
	update.Flags().StringArrayVar(&updateMeta, "meta", nil, "metadata key=value (empty value removes)")
	update.Flags().BoolVar(&force, "force", false, "skip transition checks")
	task.AddCommand(update)

	artifact := &cobra.Command{
		Use:   "artifact <id> <name>",
		Short: "Register an artifact for a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.AddArtifact(ctx, domain.KindTask, args[0], args[1]); err != nil {
					return err
				}
				names, err := e.ListArtifacts(ctx, domain.KindTask, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"artifacts": names})
			})
		},
	}
	task.AddCommand(artifact)
	return task
}

func sprintCmd() *cobra.Command {
	sprint := &cobra.Command{Use: "sprint", Short: "Manage sprints"}

	var createOpts engine.SprintCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				createOpts.Actor = viper.GetString("actor")
				sp, err := e.CreateSprint(ctx, createOpts)
				if err != nil {
					return err
				}
				return printJSON(sp)
			})
		},
	}
	create.Flags().StringVar(&createOpts.ID, "id", "", "sprint id (derived when empty)")
	create.Flags().StringVar(&createOpts.Title, "title", "", "title")
	create.Flags().StringVar(&createOpts.Goal, "goal", "", "goal")
	_ = create.MarkFlagRequired("title")
	sprint.AddCommand(create)

	var listStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sprints, err := e.Repo.ListSprints(ctx, listStatus)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sprints)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Goal"})
				for _, sp := range sprints {
					tw.AppendRow(table.Row{sp.ID, sp.Title, sp.Status, sp.Goal})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "filter by status")
	sprint.AddCommand(list)

	var updateStatus string
	var force bool
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sp, err := e.UpdateSprint(ctx, engine.SprintUpdateOptions{
					ID:     args[0],
					Status: updateStatus,
					Actor:  viper.GetString("actor"),
					Force:  force,
				})
				if err != nil {
					return err
				}
				return printJSON(sp)
			})
		},
	}
	update.Flags().StringVar(&updateStatus, "status", "", "new status")
	update.Flags().BoolVar(&force, "force", false, "skip transition checks")
	sprint.AddCommand(update)
	return sprint
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Drive workflow sessions"}
	var kind string

	start := &cobra.Command{
		Use:   "start <entity-id>",
		Short: "Start (or resume) a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				state, err := e.Workflow.StartSession(ctx, kind, args[0], "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	}

	var override bool
	var reason string
	complete := &cobra.Command{
		Use:   "complete <entity-id>",
		Short: "Complete the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				step, err := e.Workflow.CompletePhase(ctx, kind, args[0], workflow.CompleteOptions{
					Override: override,
					Reason:   reason,
					Actor:    viper.GetString("actor"),
				})
				if err != nil {
					var ve *workflow.ValidationError
					if errors.As(err, &ve) {
						_ = printJSON(ve)
					}
					return err
				}
				return printJSON(step)
			})
		},
	}
	complete.Flags().BoolVar(&override, "override", false, "skip validation (audited)")
	complete.Flags().StringVar(&reason, "reason", "", "override reason")

	end := &cobra.Command{
		Use:   "end <entity-id>",
		Short: "End the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sess, err := e.Workflow.EndSession(ctx, kind, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(sess)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Show the session phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				phase, err := e.Workflow.CurrentPhase(ctx, kind, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"current_phase": phase})
			})
		},
	}

	for _, c := range []*cobra.Command{start, complete, end, status} {
		c.Flags().StringVar(&kind, "kind", domain.KindTask, "entity kind (task or sprint)")
		session.AddCommand(c)
	}
	return session
}

func memoryCmd() *cobra.Command {
	memory := &cobra.Command{Use: "memory", Short: "Per-task working memory"}
	var ephemeral bool
	var ttl time.Duration

	set := &cobra.Command{
		Use:   "set <task-id> <key> <value>",
		Short: "Set a memory record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if ephemeral {
					return e.Memory.SetEphemeral(ctx, args[0], args[1], args[2], ttl)
				}
				return e.Memory.SetDurable(ctx, args[0], args[1], args[2])
			})
		},
	}
	set.Flags().BoolVar(&ephemeral, "ephemeral", false, "store as TTL-bound scratch")
	set.Flags().DurationVar(&ttl, "ttl", 0, "scratch TTL (default 24h)")

	get := &cobra.Command{
		Use:   "get <task-id> <key>",
		Short: "Read a memory record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var v any
				ok, err := e.Memory.GetDurable(ctx, args[0], args[1], &v)
				if err != nil {
					return err
				}
				if !ok {
					if ok, err = e.Memory.GetEphemeral(ctx, args[0], args[1], &v); err != nil {
						return err
					}
				}
				if !ok {
					return fmt.Errorf("no memory record %s for task %s", args[1], args[0])
				}
				return printJSON(v)
			})
		},
	}

	compact := &cobra.Command{
		Use:   "compact <task-id>",
		Short: "Compact scratch memory into postop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Memory.CompactToPostop(ctx, args[0])
			})
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup <task-id>",
		Short: "Purge scratch memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.Memory.CleanupEphemeral(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("purged %d record(s)\n", n)
				return nil
			})
		},
	}

	memory.AddCommand(set, get, compact, cleanup)
	return memory
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID string
	var includeArchived bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Events.Latest(ctx, n, eventstore.Filter{
					EventType:       evtType,
					EntityKind:      entityKind,
					EntityID:        entityID,
					IncludeArchived: includeArchived,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Emitted", "Type", "Entity", "Actor", "Correlation"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.EmittedAt, evt.EventType, evt.EntityKind + "/" + evt.EntityID, evt.Actor, evt.CorrelationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	tail.Flags().BoolVar(&includeArchived, "archived", false, "include archived events")
	logRoot.AddCommand(tail)

	archive := &cobra.Command{
		Use:   "archive <event-id>",
		Short: "Archive an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var id int64
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("invalid event id %s", args[0])
				}
				return e.Events.Archive(ctx, id)
			})
		},
	}
	logRoot.AddCommand(archive)
	return logRoot
}

func chainCmd() *cobra.Command {
	chain := &cobra.Command{Use: "chain", Short: "Correlation chain tooling"}

	validate := &cobra.Command{
		Use:   "validate <correlation-id>",
		Short: "Validate a correlation chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Replay.ValidateChain(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}

	var live bool
	run := &cobra.Command{
		Use:   "replay <correlation-id>",
		Short: "Replay a correlation chain (dry-run by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Replay.Replay(ctx, args[0], !live)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	run.Flags().BoolVar(&live, "live", false, "apply effects instead of describing them")

	chain.AddCommand(validate, run)
	return chain
}

func reconstructCmd() *cobra.Command {
	var kind, at string
	cmd := &cobra.Command{
		Use:   "reconstruct <entity-id>",
		Short: "Reconstruct entity state at a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cutoff := time.Now().UTC()
				if at != "" {
					parsed, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at timestamp: %w", err)
					}
					cutoff = parsed
				}
				state, err := e.Replay.ReconstructState(ctx, kind, args[0], cutoff)
				if err != nil {
					return err
				}
				if state == nil {
					return fmt.Errorf("no events for %s %s at or before %s", kind, args[0], cutoff.Format(time.RFC3339))
				}
				return printJSON(state)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.KindTask, "entity kind (task or sprint)")
	cmd.Flags().StringVar(&at, "at", "", "cutoff timestamp (RFC3339, default now)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				secret := os.Getenv("SPRINTLINE_JWT_SECRET")
				if secret == "" {
					return fmt.Errorf("SPRINTLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
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
				fmt.Printf("Serving Sprintline API on http://%s%s\n", addr, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return fn(ctx, engine.New(conn, cfg, logger))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseMetadata(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	meta := map[string]string{}
	for _, pair := range pairs {
		k, v, _ := strings.Cut(pair, "=")
		if k != "" {
			meta[k] = v
		}
	}
	return meta
}
