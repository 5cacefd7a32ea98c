package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionctl/internal/backlog"
	"missionctl/internal/config"
	"missionctl/internal/contextdoc"
	"missionctl/internal/db"
	"missionctl/internal/domain"
	"missionctl/internal/engine"
	"missionctl/internal/merge"
	"missionctl/internal/migrate"
	"missionctl/internal/repo"
	"missionctl/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "mctl",
	Short: "Mission lifecycle CLI",
	Long: `mctl tracks missions through a fixed lifecycle backed by SQLite.
Missions move Queued -> Current -> In Progress -> Completed (Blocked from any
active state). Every transition is one transaction: the mission row, an
append-only session event, and both context documents with content-addressed
snapshots. The merge command reconciles two divergent copies of the context
and session history without data loss.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "", "acting agent recorded on session events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(dbCmd())
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionStartCmd())
	m.AddCommand(missionCompleteCmd())
	m.AddCommand(missionBlockCmd())
	m.AddCommand(missionAddCmd())
	m.AddCommand(missionUpdateCmd())
	m.AddCommand(missionDependsCmd())
	m.AddCommand(missionNextCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionReportCmd())
	return m
}

func missionStartCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "start <mission-id>",
		Short: "Start a mission (moves it to In Progress)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt, err := e.Start(ctx, args[0], engine.StartOptions{
					Agent:   viper.GetString("agent"),
					Summary: summary,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "session summary")
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	var summary, notes, nextHint string
	var noPromote, immediate bool
	cmd := &cobra.Command{
		Use:   "complete <mission-id>",
		Short: "Complete a mission and promote the next queued one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt, promoted, err := e.Complete(ctx, args[0], engine.CompleteOptions{
					Agent:       viper.GetString("agent"),
					Summary:     summary,
					Notes:       notes,
					NextHint:    nextHint,
					PromoteNext: !noPromote,
					Immediate:   immediate,
				})
				if err != nil {
					return err
				}
				out := map[string]any{"event": evt}
				if promoted != "" {
					out["promoted"] = promoted
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "session summary")
	cmd.Flags().StringVar(&notes, "notes", "", "notes persisted on the mission")
	cmd.Flags().StringVar(&nextHint, "next-hint", "", "hint recorded for the next session")
	cmd.Flags().BoolVar(&noPromote, "no-promote", false, "do not promote the oldest queued mission")
	cmd.Flags().BoolVar(&immediate, "immediate", false, "promote straight to In Progress")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func missionBlockCmd() *cobra.Command {
	var summary, reason string
	var needs []string
	cmd := &cobra.Command{
		Use:   "block <mission-id>",
		Short: "Mark a mission Blocked and record the blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt, err := e.Block(ctx, args[0], engine.BlockOptions{
					Agent:   viper.GetString("agent"),
					Summary: summary,
					Reason:  reason,
					Needs:   needs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "session summary")
	cmd.Flags().StringVar(&reason, "reason", "", "why the mission is blocked")
	cmd.Flags().StringSliceVar(&needs, "needs", nil, "what would unblock it (repeatable)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func missionAddCmd() *cobra.Command {
	var id, name, sprint, status, notes, metadata string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mission to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := domain.Mission{ID: id, Name: name, Status: status, Notes: notes, Metadata: metadata}
				if sprint != "" {
					m.SprintID = &sprint
				}
				created, err := e.AddMission(ctx, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "mission name")
	cmd.Flags().StringVar(&sprint, "sprint", "", "sprint id")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default Queued)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func missionUpdateCmd() *cobra.Command {
	var name, sprint, status, notes, metadata, completedAt string
	cmd := &cobra.Command{
		Use:   "update <mission-id>",
		Short: "Update mission fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{}
			if cmd.Flags().Changed("name") {
				fields["name"] = name
			}
			if cmd.Flags().Changed("sprint") {
				fields["sprint_id"] = sprint
			}
			if cmd.Flags().Changed("status") {
				fields["status"] = status
			}
			if cmd.Flags().Changed("notes") {
				fields["notes"] = notes
			}
			if cmd.Flags().Changed("metadata") {
				fields["metadata"] = metadata
			}
			if cmd.Flags().Changed("completed-at") {
				fields["completed_at"] = completedAt
			}
			if len(fields) == 0 {
				return fmt.Errorf("nothing to update")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMission(ctx, args[0], fields)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mission name")
	cmd.Flags().StringVar(&sprint, "sprint", "", "sprint id")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	cmd.Flags().StringVar(&completedAt, "completed-at", "", "completion timestamp")
	return cmd
}

func missionDependsCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "depends <from-id> <to-id>",
		Short: "Record an advisory dependency between missions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := domain.Dependency{FromID: args[0], ToID: args[1], Type: depType}
				if err := e.AddDependency(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", "", "dependency label")
	return cmd
}

func missionNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the mission the queue would hand out next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.NextCandidate(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("No missions present in the queue.")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionListCmd() *cobra.Command {
	var sprint, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMissions(ctx, repo.MissionFilters{SprintID: sprint, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sprint", "Name", "Status", "Completed"})
				for _, m := range items {
					sprintID, completed := "", ""
					if m.SprintID != nil {
						sprintID = *m.SprintID
					}
					if m.CompletedAt != nil {
						completed = *m.CompletedAt
					}
					tw.AppendRow(table.Row{m.ID, sprintID, m.Name, m.Status, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sprint, "sprint", "", "filter by sprint id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func missionReportCmd() *cobra.Command {
	var output string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "report <mission-id>",
		Short: "Write a markdown research report for a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMission(ctx, args[0])
				if err != nil {
					return fmt.Errorf("mission %s: %w", args[0], err)
				}
				sprintTitle := ""
				if m.SprintID != nil {
					if s, err := r.GetSprint(ctx, *m.SprintID); err == nil {
						sprintTitle = s.Title
					}
				}
				events, err := r.ListSessionEvents(ctx, m.ID, 0)
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = filepath.Join(viper.GetString("workspace"), "research", m.ID+".md")
				}
				if !overwrite {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("research report already exists: %s (use --overwrite)", path)
					}
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				doc := backlog.ResearchReport(m, sprintTitle, events)
				if err := os.WriteFile(path, []byte(doc+"\n"), 0o644); err != nil {
					return err
				}
				fmt.Printf("Research report written to %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output path (default <workspace>/research/<id>.md)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing report")
	return cmd
}

func sprintCmd() *cobra.Command {
	s := &cobra.Command{Use: "sprint", Short: "Manage sprints"}
	s.AddCommand(sprintAddCmd())
	s.AddCommand(sprintListCmd())
	return s
}

func sprintAddCmd() *cobra.Command {
	var id, title, focus, status, start, end string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := domain.Sprint{ID: id, Title: title, Focus: focus, Status: status}
				if start != "" {
					s.StartDate = &start
				}
				if end != "" {
					s.EndDate = &end
				}
				if err := e.AddSprint(ctx, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sprint id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&focus, "focus", "", "focus")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&end, "end", "", "end date")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sprintListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSprints(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the mission queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountMissionsByStatus(ctx)
				if err != nil {
					return err
				}
				next, err := e.NextCandidate(ctx)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				out := map[string]any{"mission_counts": counts}
				if next.ID != "" {
					out["next_candidate"] = next
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if next.ID != "" {
					fmt.Printf("Next up: %s - %s (%s)\n", next.ID, next.Name, next.Status)
				} else {
					fmt.Println("No missions present in the queue.")
				}
				fmt.Println("Missions:")
				for _, status := range []string{domain.StatusInProgress, domain.StatusCurrent, domain.StatusQueued, domain.StatusBlocked, domain.StatusCompleted} {
					if c := counts[status]; c > 0 {
						fmt.Printf("  %s: %d\n", status, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{Use: "context", Short: "Inspect and export context documents"}
	c.AddCommand(contextShowCmd())
	c.AddCommand(contextExportCmd())
	return c
}

func contextShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [context-id]",
		Short: "Print a context document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := contextdoc.ProjectContextID
			if len(args) == 1 {
				id = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				doc, err := r.GetContext(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
}

func contextExportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write both context documents to JSON files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = viper.GetString("workspace")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				targets := map[string]string{
					contextdoc.ProjectContextID: filepath.Join(dir, "PROJECT_CONTEXT.json"),
					contextdoc.MasterContextID:  filepath.Join(dir, "context", "MASTER_CONTEXT.json"),
				}
				for id, path := range targets {
					doc, err := r.GetContext(ctx, id)
					if err != nil {
						return err
					}
					payload, err := json.MarshalIndent(map[string]any(doc), "", "  ")
					if err != nil {
						return err
					}
					if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
						return err
					}
					if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
						return err
					}
					fmt.Printf("Exported %s to %s\n", id, path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default workspace)")
	return cmd
}

func snapshotCmd() *cobra.Command {
	s := &cobra.Command{Use: "snapshot", Short: "Inspect context snapshot history"}
	s.AddCommand(snapshotListCmd())
	return s
}

func snapshotListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list [context-id]",
		Short: "List snapshots for a context, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := contextdoc.ProjectContextID
			if len(args) == 1 {
				id = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSnapshots(ctx, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Created", "Hash", "Session", "Source"})
				for _, s := range items {
					hash := s.ContentHash
					if len(hash) > 12 {
						hash = hash[:12]
					}
					tw.AppendRow(table.Row{s.ID, s.CreatedAt, hash, s.SessionID, s.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func backlogCmd() *cobra.Command {
	b := &cobra.Command{Use: "backlog", Short: "Export, import, and show the backlog"}
	b.AddCommand(backlogExportCmd())
	b.AddCommand(backlogImportCmd())
	b.AddCommand(backlogShowCmd())
	return b
}

func backlogExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the backlog YAML from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = filepath.Join(viper.GetString("workspace"), "missions", "backlog.yaml")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := backlog.ExportFile(ctx, e.Repo, output, e.Now()); err != nil {
					return err
				}
				fmt.Printf("Exported backlog to %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output path (default <workspace>/missions/backlog.yaml)")
	return cmd
}

func backlogImportCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Seed the database from a backlog YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				input = filepath.Join(viper.GetString("workspace"), "missions", "backlog.yaml")
			}
			body, err := backlog.LoadFile(input)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := backlog.Import(ctx, e.DB, e.Repo, body, e.Now()); err != nil {
					return err
				}
				fmt.Printf("Imported backlog from %s\n", input)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input path (default <workspace>/missions/backlog.yaml)")
	return cmd
}

func backlogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the backlog grouped by sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, body, err := backlog.Build(ctx, e.Repo, e.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(body.DomainFields)
				}
				if len(body.DomainFields.Sprints) == 0 {
					fmt.Println("No sprints defined in the database.")
					return nil
				}
				for _, s := range body.DomainFields.Sprints {
					fmt.Printf("%s - %s [%s]\n", s.SprintID, s.Title, s.Status)
					if s.Focus != "" {
						fmt.Printf("  focus: %s\n", s.Focus)
					}
					if len(s.Missions) == 0 {
						fmt.Println("  (no missions)")
						continue
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Status", "Completed"})
					for _, m := range s.Missions {
						tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.CompletedAt})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func mergeCmd() *cobra.Command {
	m := &cobra.Command{Use: "merge", Short: "Reconcile a divergent workspace copy"}
	m.AddCommand(mergeRunCmd())
	return m
}

func mergeRunCmd() *cobra.Command {
	var source, sourceVersion string
	var dryRun, noSync bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Merge another workspace's contexts and sessions into this one",
		Long: `Reads SESSIONS.jsonl, PROJECT_CONTEXT.json, and context/MASTER_CONTEXT.json
from the source workspace, merges them into this workspace's copies
(destination wins, source backfills), rewrites the local files, and syncs the
database in one transaction.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source required")
			}
			workspace := viper.GetString("workspace")

			oldSessions, err := merge.LoadSessions(filepath.Join(source, "SESSIONS.jsonl"))
			if err != nil {
				return err
			}
			newSessions, err := merge.LoadSessions(filepath.Join(workspace, "SESSIONS.jsonl"))
			if err != nil {
				return err
			}
			oldProject, err := loadContextFile(filepath.Join(source, "PROJECT_CONTEXT.json"))
			if err != nil {
				return err
			}
			newProject, err := loadContextFile(filepath.Join(workspace, "PROJECT_CONTEXT.json"))
			if err != nil {
				return err
			}
			oldMaster, err := loadContextFile(filepath.Join(source, "context", "MASTER_CONTEXT.json"))
			if err != nil {
				return err
			}
			newMaster, err := loadContextFile(filepath.Join(workspace, "context", "MASTER_CONTEXT.json"))
			if err != nil {
				return err
			}

			merger := merge.Merger{SourceVersion: sourceVersion}
			res, err := merger.Merge(oldProject, newProject, oldMaster, newMaster, oldSessions, newSessions)
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Printf("Sessions to write: %d entries\n", len(res.Sessions))
				return printJSON(map[string]any{"project": res.Project, "master": res.Master})
			}

			projectPath := filepath.Join(workspace, "PROJECT_CONTEXT.json")
			masterPath := filepath.Join(workspace, "context", "MASTER_CONTEXT.json")
			if err := merge.WriteSessions(filepath.Join(workspace, "SESSIONS.jsonl"), res.Sessions); err != nil {
				return err
			}
			if err := writeContextFile(projectPath, res.Project); err != nil {
				return err
			}
			if err := writeContextFile(masterPath, res.Master); err != nil {
				return err
			}
			if noSync {
				fmt.Println("Merged files written; database sync skipped.")
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := merger.SyncStore(ctx, e.DB, res, merge.SyncOptions{
					ProjectSource: projectPath,
					MasterSource:  masterPath,
				}); err != nil {
					return err
				}
				fmt.Println("Merge complete; database synchronised.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source workspace directory")
	cmd.Flags().StringVar(&sourceVersion, "source-version", "", "tag recorded in the migration marker")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview merged payloads without writing")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "write merged files but skip the database sync")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database utilities"}
	d.AddCommand(dbPingCmd())
	return d
}

func dbPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.HealthCheck(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

func loadContextFile(path string) (contextdoc.Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return contextdoc.Doc{}, nil
		}
		return nil, err
	}
	return contextdoc.Parse(data)
}

func writeContextFile(path string, doc contextdoc.Doc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(map[string]any(doc), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if agent := viper.GetString("agent"); agent != "" {
		cfg.Agent = agent
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if rec, err := telemetry.New(cfg.TelemetryDir); err == nil {
		e.Telemetry = rec
		defer rec.Close()
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
