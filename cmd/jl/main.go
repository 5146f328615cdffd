package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/app"
	"journeyline/internal/domain"
)

// v holds flags and JOURNEYLINE_* environment overrides for the current
// command tree.
var v = viper.New()

// out is where commands print; tests swap it.
var out io.Writer = os.Stdout

func newRootCmd() *cobra.Command {
	v = viper.New()
	root := &cobra.Command{
		Use:   "jl",
		Short: "journeyline CLI",
		Long: `journeyline runs client journeys built from versioned templates.
- Templates: ordered stages (lesson, form, upload, meeting, gate, task) imported from YAML.
- Journeys: one instance of a template for a client; progress and the next action follow the stages.
- Document gates: upload and gate stages complete only after every required document is approved.
- Deadlines: stages with an SLA get a due date; sweeps notify owners of overdue work.
- Tickets: support tickets with first-response and resolution deadlines by priority.
- Event log: every change is recorded; view it with 'jl log tail'.`,
		SilenceUsage: true,
	}
	addPersistentFlags(root)
	root.AddCommand(
		migrateCmd(),
		configCmd(),
		templateCmd(),
		journeyCmd(),
		stageCmd(),
		uploadCmd(),
		ticketCmd(),
		sweepCmd(),
		logCmd(),
		relayCmd(),
		tokenCmd(),
		serveCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags(root *cobra.Command) {
	v.SetEnvPrefix("JOURNEYLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	pf := root.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (default <workspace>/journeyline.yml)")
	pf.String("db-driver", "", "database driver: sqlite or postgres")
	pf.String("dsn", "", "postgres connection string")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-level", "warn", "log level")
	for _, name := range []string{"workspace", "config", "db-driver", "dsn", "json", "actor-id", "log-format", "log-level"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}
}

// --- helpers ---

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace:  v.GetString("workspace"),
		ConfigPath: v.GetString("config"),
		DBDriver:   v.GetString("db-driver"),
		DSN:        v.GetString("dsn"),
		LogFormat:  v.GetString("log-format"),
		LogLevel:   v.GetString("log-level"),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string { return v.GetString("actor-id") }

func printJSON(val any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

// printJSONOr prints val as JSON under --json and otherwise runs render.
func printJSONOr(val any, render func(table.Writer)) error {
	if v.GetBool("json") {
		return printJSON(val)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	render(tw)
	tw.Render()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func renderStages(tw table.Writer, stages []domain.StageInstance, now time.Time) {
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Kind", "Mandatory", "Status", "Due", ""})
	for _, s := range stages {
		flag := ""
		if s.Status != domain.StageCompleted && s.DueAt != nil && now.After(*s.DueAt) {
			flag = "OVERDUE"
		}
		if s.Custom {
			flag = strings.TrimSpace(flag + " custom")
		}
		tw.AppendRow(table.Row{s.Position, s.ID, s.Title, s.Kind, s.Mandatory, s.Status, formatTime(s.DueAt), flag})
	}
}

func describeNext(n *domain.NextAction) string {
	if n == nil {
		return "nothing left to do"
	}
	msg := n.Message
	if n.Overdue {
		msg += " (overdue)"
	}
	return msg
}
