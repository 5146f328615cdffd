package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"journeyline/internal/app"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/journey"
	"journeyline/internal/repo"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage journey templates"}
	cmd.AddCommand(templateImportCmd(), templateListCmd(), templateShowCmd())
	return cmd
}

func templateImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Import YAML template definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var imported []domain.JourneyTemplate
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					tmpl, err := a.Engine.ImportTemplate(ctx, data)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					imported = append(imported, tmpl)
				}
				return printJSONOr(imported, func(tw table.Writer) {
					renderTemplates(tw, imported)
				})
			})
		},
	}
}

func renderTemplates(tw table.Writer, items []domain.JourneyTemplate) {
	tw.AppendHeader(table.Row{"ID", "Key", "Version", "Name", "Stages", "Expected days"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Key, t.Version, t.Name, t.StageCount, t.ExpectedDays})
	}
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTemplates(ctx)
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) { renderTemplates(tw, items) })
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TEMPLATE_ID",
		Short: "Show a template's stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stages, err := a.Engine.TemplateStages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(stages, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"#", "Title", "Kind", "Mandatory", "SLA (h)", "Documents"})
					for _, s := range stages {
						sla := ""
						if s.SLAHours != nil {
							sla = fmt.Sprint(*s.SLAHours)
						}
						tw.AppendRow(table.Row{s.Position, s.Title, s.Kind, s.Mandatory, sla, len(s.Requirements)})
					}
				})
			})
		},
	}
}

func journeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "journey", Short: "Run client journeys"}
	cmd.AddCommand(
		journeyStartCmd(),
		journeyShowCmd(),
		journeyListCmd(),
		journeyStatusCmd("pause", "Pause an active journey", engine.Engine.Pause),
		journeyStatusCmd("resume", "Resume a paused journey", engine.Engine.Resume),
		journeyReconcileCmd(),
		journeyNextCmd(),
		journeyOverdueCmd(),
	)
	return cmd
}

func journeyStartCmd() *cobra.Command {
	var opts engine.StartJourneyOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a journey from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.StartJourney(ctx, opts)
				if err != nil {
					return err
				}
				return printView(a, view)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TemplateID, "template-id", "", "template id (pins a version)")
	cmd.Flags().StringVar(&opts.TemplateKey, "template", "", "template key (latest version)")
	cmd.Flags().StringVar(&opts.Subject.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.Subject.CaseID, "case", "", "case id")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner (defaults to the actor)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func printView(a *app.App, view engine.JourneyView) error {
	if v.GetBool("json") {
		return printJSON(view)
	}
	j := view.Journey
	fmt.Fprintf(out, "Journey %s (%s) client=%s owner=%s\n", j.ID, j.Status, j.Subject.ClientID, j.OwnerID)
	fmt.Fprintf(out, "Progress %d%%  Next: %s\n", j.ProgressPct, describeNext(j.NextAction))
	return printJSONOr(view, func(tw table.Writer) { renderStages(tw, view.Stages, time.Now()) })
}

func journeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show JOURNEY_ID",
		Short: "Show a journey with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetJourney(ctx, args[0])
				if err != nil {
					return err
				}
				return printView(a, view)
			})
		},
	}
}

func journeyListCmd() *cobra.Command {
	var f repo.JourneyFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListJourneys(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Client", "Case", "Owner", "Status", "Progress", "Next"})
					for _, j := range items {
						tw.AppendRow(table.Row{j.ID, j.Subject.ClientID, j.Subject.CaseID, j.OwnerID, j.Status, fmt.Sprintf("%d%%", j.ProgressPct), describeNext(j.NextAction)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func journeyStatusCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.JourneyInstance, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOURNEY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := apply(a.Engine, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(j)
				}
				fmt.Fprintf(out, "Journey %s is %s\n", j.ID, j.Status)
				return nil
			})
		},
	}
}

func journeyReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile JOURNEY_ID",
		Short: "Recompute progress and completion from the stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.Reconcile(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printView(a, view)
			})
		},
	}
}

func journeyNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next JOURNEY_ID",
		Short: "Show the next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				next, err := a.Engine.NextAction(ctx, args[0])
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(next)
				}
				fmt.Fprintln(out, describeNext(next))
				if next != nil {
					for _, m := range next.Missing {
						fmt.Fprintf(out, "  missing: %s\n", m.Name)
					}
				}
				return nil
			})
		},
	}
}

func journeyOverdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue [JOURNEY_ID]",
		Short: "List overdue stages, for one journey or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journeyID := ""
			if len(args) == 1 {
				journeyID = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.FindOverdue(ctx, journeyID)
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) { renderOverdue(tw, items) })
			})
		},
	}
}

func renderOverdue(tw table.Writer, items []engine.OverdueStage) {
	tw.AppendHeader(table.Row{"Journey", "Stage", "Title", "Client", "Owner", "Due", "Overdue by", "Journey status"})
	for _, o := range items {
		tw.AppendRow(table.Row{o.Stage.JourneyID, o.Stage.ID, o.Stage.Title, o.ClientID, o.OwnerID, formatTime(o.Stage.DueAt), o.OverdueBy.Truncate(time.Minute), o.JourneyStatus})
	}
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Work on journey stages"}
	cmd.AddCommand(
		stageActionCmd("start", "Mark a stage in progress", engine.Engine.StartStage),
		stageActionCmd("complete", "Complete a stage", engine.Engine.CompleteStage),
		stageAddCmd(),
		stageGateCmd(),
	)
	return cmd
}

func stageActionCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.StageInstance, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " STAGE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := apply(a.Engine, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(s)
				}
				fmt.Fprintf(out, "Stage %s (%s) is %s\n", s.ID, s.Title, s.Status)
				return nil
			})
		},
	}
}

func stageAddCmd() *cobra.Command {
	var (
		def      journey.CustomStage
		kind     string
		slaHours int
	)
	cmd := &cobra.Command{
		Use:   "add JOURNEY_ID",
		Short: "Append an ad-hoc stage to a journey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseStageKind(kind)
			if err != nil {
				return err
			}
			def.Kind = k
			if cmd.Flags().Changed("sla-hours") {
				def.SLAHours = &slaHours
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.AddCustomStage(ctx, args[0], def, actorID())
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(s)
				}
				fmt.Fprintf(out, "Added stage %s at position %d\n", s.ID, s.Position)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&def.Title, "title", "", "stage title")
	cmd.Flags().StringVar(&def.Description, "description", "", "stage description")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindTask), "stage kind")
	cmd.Flags().BoolVar(&def.Mandatory, "mandatory", false, "stage blocks completion")
	cmd.Flags().IntVar(&slaHours, "sla-hours", 0, "hours until due")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func stageGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate STAGE_ID",
		Short: "Show a stage's document gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.GateStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(st, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("gated=%t satisfied=%t", st.Gated, st.Satisfied))
					tw.AppendHeader(table.Row{"Requirement ID", "Document", "Required", "Approved", "Pending review", "Attempts"})
					for _, rs := range st.Requirements {
						tw.AppendRow(table.Row{rs.Requirement.ID, rs.Requirement.Name, rs.Requirement.Required, rs.Approved(), rs.PendingReview, rs.Attempts})
					}
				})
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "upload", Short: "Submit and review documents"}
	cmd.AddCommand(uploadSubmitCmd(), uploadReviewCmd(), uploadListCmd())
	return cmd
}

func uploadSubmitCmd() *cobra.Command {
	var in journey.UploadInput
	cmd := &cobra.Command{
		Use:   "submit STAGE_ID",
		Short: "Record a submitted document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.SubmitUpload(ctx, args[0], in, actorID())
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(u)
				}
				fmt.Fprintf(out, "Upload %s is %s\n", u.ID, u.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.RequirementID, "requirement", "", "requirement id")
	cmd.Flags().StringVar(&in.Filename, "filename", "", "file name")
	cmd.Flags().Int64Var(&in.SizeBytes, "size", 0, "size in bytes")
	cmd.Flags().StringVar(&in.MimeType, "mime", "", "mime type")
	_ = cmd.MarkFlagRequired("filename")
	return cmd
}

func uploadReviewCmd() *cobra.Command {
	var (
		approve, reject bool
		notes           string
	)
	cmd := &cobra.Command{
		Use:   "review UPLOAD_ID",
		Short: "Approve or reject a pending upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			decision := domain.DecisionApprove
			if reject {
				decision = domain.DecisionReject
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.ReviewUpload(ctx, args[0], decision, actorID(), notes)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(u)
				}
				fmt.Fprintf(out, "Upload %s is %s\n", u.ID, u.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the upload")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the upload")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes, sent to the uploader on rejection")
	return cmd
}

func uploadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list STAGE_ID",
		Short: "List a stage's uploads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListUploads(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Requirement", "File", "Size", "Status", "By", "Reviewer"})
					for _, u := range items {
						tw.AppendRow(table.Row{u.ID, u.RequirementID, u.Filename, u.SizeBytes, u.Status, u.UploadedBy, u.ReviewerID})
					}
				})
			})
		},
	}
}
