package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"journeyline/internal/app"
	"journeyline/internal/config"
	"journeyline/internal/migrate"
	"journeyline/internal/repo"
	"journeyline/internal/server"
	"journeyline/internal/telemetry"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open migrates.
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := migrate.Current(a.DB)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "database ready (%s, schema version %d)\n", driverName(a.Config.Database.Driver), version)
				return nil
			})
		},
	}
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd(), configShowCmd(), configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default journeyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(v.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if p := v.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOrDefault(v.GetString("workspace"))
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate journeyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Journey", "Entity", "Actor"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.JourneyID, e.EntityKind + ":" + e.EntityID, e.ActorID})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.JourneyID, "journey", "", "journey filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func relayCmd() *cobra.Command {
	var once bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward outbox events to configured webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Relay()
				if once {
					n, err := r.DispatchOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "delivered %d events\n", n)
					return nil
				}
				if interval > 0 {
					r.Interval = interval
				}
				if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "make one pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		actor string
		ttl   time.Duration
		roles []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token (needs JOURNEYLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			tok, err := server.SignToken(v.GetString("jwt-secret"), actor, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath, otlpEndpoint string
		otlpInsecure, devAuth, relay bool
		sampleRate                   float64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
				Endpoint:   otlpEndpoint,
				Insecure:   otlpInsecure,
				SampleRate: sampleRate,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdownTracing(sctx)
			}()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				secret := v.GetString("jwt-secret")
				if secret == "" && !devAuth {
					return fmt.Errorf("JOURNEYLINE_JWT_SECRET is required for bearer auth (or pass --dev-auth)")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Bus:      a.Bus,
					Auth: server.AuthConfig{
						JWTSecret:        secret,
						AllowActorHeader: devAuth,
						DevLogin:         devAuth && secret != "",
						Logger:           a.Logger,
					},
					RateLimitRPS:   a.Config.Server.RateLimitRPS,
					RateLimitBurst: a.Config.Server.RateLimitBurst,
					Logger:         a.Logger,
				})
				if err != nil {
					return err
				}
				if relay {
					go func() {
						if err := a.Relay().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							a.Logger.ErrorContext(ctx, "relay stopped", "err", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Fprintf(out, "Serving journeyline API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/gRPC trace collector (host:port)")
	cmd.Flags().BoolVar(&otlpInsecure, "otlp-insecure", false, "disable TLS to the collector")
	cmd.Flags().Float64Var(&sampleRate, "trace-sample-rate", 1, "fraction of traces to sample")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "accept X-Actor-Id and mount the dev login route")
	cmd.Flags().BoolVar(&relay, "relay", false, "run the webhook relay in the server process")
	return cmd
}
