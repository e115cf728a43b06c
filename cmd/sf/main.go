package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"specflow/internal/app"
	"specflow/internal/db"
	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/engine/auth"
	"specflow/internal/logging"
	"specflow/internal/projector"
	"specflow/internal/repo"
	"specflow/internal/server"
	"specflow/internal/sheet"
	"specflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "specflow CLI",
	Long: `specflow tracks a specification sheet through five steps shared by an internal requester
and an external supplier:
- prepare, review, send: internal steps that draft the sheet and hand it over.
- feedback: the supplier fills in answers and sources, then submits.
- finalize: internal approval, which hands the sheet to the configured integration exactly once.
The id and question columns of the sheet are protected; merges and edits only change answer and source.
Local commands act on the workspace database as --actor-id with --role. Use 'sf serve' to expose the
HTTP API and 'sf watch' / 'sf remote' to follow a server.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("SPECFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", string(domain.RoleInternal), "actor role (internal, external)")
	flags.String("server", "", "specflow server URL for watch and remote commands")
	flags.String("token", "", "bearer token for the server")
	flags.String("api-key", "", "API key for the server")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("env", "development", "logging environment (development, production)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "server", "token", "api-key", "log-level", "env"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(finalizeCmd())
	rootCmd.AddCommand(pinCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(remoteCmd())
}

func subjectCmd() *cobra.Command {
	subject := &cobra.Command{Use: "subject", Short: "Manage subjects"}
	subject.AddCommand(&cobra.Command{
		Use:   "create <subject-id>",
		Short: "Create a workflow and its sheet from the configured template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.CreateSubject(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	})
	return subject
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and move workflows",
		Long:  "Steps run prepare -> review -> send -> feedback -> finalize. A step may only start once every earlier step has started.",
	}
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowPutCmd())
	return wf
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <subject-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func workflowListCmd() *cobra.Command {
	var visible, pending bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Workflow
					err   error
				)
				switch {
				case pending:
					items, err = e.ListPendingApprovals(ctx)
				case visible:
					items, err = e.ListVisibleWorkflows(ctx)
				default:
					items, err = e.ListWorkflows(ctx, limit)
				}
				if err != nil {
					return err
				}
				return printWorkflows(items)
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "only workflows shown to suppliers")
	cmd.Flags().BoolVar(&pending, "pending-approval", false, "only workflows awaiting finalization")
	cmd.Flags().IntVar(&limit, "limit", 50, "max workflows")
	return cmd
}

func workflowAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <subject-id> <step> <status>",
		Short: "Move one step to a new status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Advance(ctx, principal(), args[0], domain.StepID(args[1]), domain.StepStatus(args[2]))
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func workflowPutCmd() *cobra.Command {
	var file string
	var visible bool
	cmd := &cobra.Command{
		Use:   "put <subject-id>",
		Short: "Replace the full steps array from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			var steps []domain.Step
			if err := json.Unmarshal(data, &steps); err != nil {
				return fmt.Errorf("invalid steps json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				isVisible := visible
				if !cmd.Flags().Changed("visible") {
					current, err := e.GetWorkflow(ctx, args[0])
					if err != nil {
						return err
					}
					isVisible = current.IsVisible
				}
				wf, err := e.PutWorkflow(ctx, principal(), args[0], isVisible, steps)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "steps JSON file (- for stdin)")
	cmd.Flags().BoolVar(&visible, "visible", false, "supplier visibility (defaults to current)")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Read and change the shared sheet"}
	doc.AddCommand(&cobra.Command{
		Use:   "show <subject-id>",
		Short: "Show the sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printDocument(d)
			})
		},
	})
	doc.AddCommand(docMergeCmd())
	doc.AddCommand(docEditCmd())
	return doc
}

func docMergeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "merge <subject-id>",
		Short: "Merge candidate CSV into the sheet, keeping id and question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MergeDocument(ctx, principal(), args[0], string(data))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("applied=%d repaired=%d dropped=%d missing=%d\n", res.Report.Applied, res.Report.Repaired, res.Report.Dropped, res.Report.Missing)
				return printDocument(res.Document)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "candidate CSV file (- for stdin)")
	return cmd
}

func docEditCmd() *cobra.Command {
	var row int
	var column, value string
	cmd := &cobra.Command{
		Use:   "edit <subject-id>",
		Short: "Set one answer or source cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			col := sheet.ColAnswer
			switch column {
			case "answer":
			case "source":
				col = sheet.ColSource
			default:
				return fmt.Errorf("--column must be answer or source")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EditCell(ctx, principal(), args[0], row, col, value)
				if err != nil {
					return err
				}
				return printDocument(d)
			})
		},
	}
	cmd.Flags().IntVar(&row, "row", 0, "zero-based data row")
	cmd.Flags().StringVar(&column, "column", "answer", "answer or source")
	cmd.Flags().StringVar(&value, "value", "", "new cell value")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Conversation history of a subject"}
	var role, text, toolKind string
	add := &cobra.Command{
		Use:   "add <subject-id>",
		Short: "Append an interaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in := domain.Interaction{SubjectID: args[0], Role: role, Text: text, ToolKind: toolKind}
				if text != "" {
					in.Parts = []domain.Part{{Type: domain.PartText, Text: text}}
				}
				out, err := e.AppendInteraction(ctx, principal(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	add.Flags().StringVar(&role, "message-role", "user", "user, assistant or tool")
	add.Flags().StringVar(&text, "text", "", "message text")
	add.Flags().StringVar(&toolKind, "tool-kind", "", "tool kind, e.g. sheet")
	h.AddCommand(add)
	h.AddCommand(&cobra.Command{
		Use:   "list <subject-id>",
		Short: "List the raw history (internal only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printInteractions(items)
			})
		},
	})
	return h
}

func viewCmd() *cobra.Command {
	var approval bool
	cmd := &cobra.Command{
		Use:   "view <subject-id>",
		Short: "Show the history as the current role sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ProjectView(ctx, principal(), args[0], projector.Flags{ApprovalRequested: approval})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"subject_id": v.SubjectID, "mode": v.Mode.String(), "items": v.Items})
				}
				fmt.Printf("Mode: %s\n", v.Mode)
				return printInteractions(v.Items)
			})
		},
	}
	cmd.Flags().BoolVar(&approval, "approval", false, "request the approval screen")
	return cmd
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <subject-id>",
		Short: "Supplier hands in its answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Submit(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func finalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <subject-id>",
		Short: "Approve and hand the sheet to the integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Finalize(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func pinCmd() *cobra.Command {
	pin := &cobra.Command{
		Use:   "pin",
		Short: "Manage the subject pinned on your dashboard",
		Long:  "Pinning a subject makes it visible to suppliers. Clearing the pin hides it again once no one else pins it.",
	}
	pin.AddCommand(&cobra.Command{
		Use:   "set <subject-id>",
		Short: "Pin a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PinSubject(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	pin.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show your pinned subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PinnedSubject(ctx, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	pin.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear your pin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UnpinSubject(ctx, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return pin
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "sf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			k := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID,
				Role:      domain.Role(role),
				Name:      name,
				KeyHash:   repo.HashAPIKey(raw),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "role": k.Role, "key": raw})
				}
				fmt.Printf("API key for %s (%s): %s\n", k.ActorID, k.Role, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&role, "key-role", string(domain.RoleExternal), "role granted by the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")
	key.AddCommand(create)
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id and --role with SPECFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("SPECFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("SPECFLOW_JWT_SECRET is required")
			}
			p := principal()
			if err := p.Validate(); err != nil {
				return err
			}
			tok, err := server.SignToken(secret, p.ActorID, p.Role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var subjectID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{SubjectID: subjectID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Subject", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SubjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&subjectID, "subject", "", "subject filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

// --- helpers ---

func principal() auth.Principal {
	return auth.Principal{ActorID: viper.GetString("actor-id"), Role: domain.Role(viper.GetString("role"))}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("env"), viper.GetString("log-level"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printWorkflow(wf domain.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(wf)
	}
	fmt.Printf("Subject: %s (visible=%t submitted=%t)\n", wf.SubjectID, wf.IsVisible, wf.Submitted)
	tw := newTable()
	tw.AppendHeader(table.Row{"Step", "Label", "Status", "Timestamp"})
	for _, s := range wf.Steps {
		ts := ""
		if s.Timestamp != nil {
			ts = *s.Timestamp
		}
		tw.AppendRow(table.Row{s.ID, s.Label, s.Status, ts})
	}
	tw.Render()
	return nil
}

func printWorkflows(items []domain.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Subject", "Visible", "Submitted", "Active step", "Updated"})
	for _, wf := range items {
		tw.AppendRow(table.Row{wf.SubjectID, wf.IsVisible, wf.Submitted, activeStep(wf), wf.UpdatedAt})
	}
	tw.Render()
	return nil
}

func activeStep(wf domain.Workflow) string {
	if s, ok := workflow.ActiveStep(wf); ok {
		return string(s.ID)
	}
	return "done"
}

func printDocument(d domain.SharedDocument) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	tw := newTable()
	for i, row := range d.Rows {
		r := make(table.Row, len(row))
		for j, cell := range row {
			r[j] = cell
		}
		if i == 0 && len(row) >= 4 && strings.EqualFold(row[0], "id") {
			tw.AppendHeader(r)
			continue
		}
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

func printInteractions(items []domain.Interaction) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Role", "Tool", "Text", "Parts"})
	for _, in := range items {
		seq := fmt.Sprintf("%d", in.Seq)
		if in.Synthetic {
			seq = "-"
		}
		tw.AppendRow(table.Row{seq, in.Role, in.ToolKind, in.Text, len(in.Parts)})
	}
	tw.Render()
	return nil
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
