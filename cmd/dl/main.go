package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/repo"
	"deliverline/internal/server"
)

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dl",
		Short: "Deliverline CLI",
		Long: `Deliverline tracks contract deliverables from first task to dual sign-off.
- Deliverables carry tasks; completed tasks drive progress, otherwise progress is set by hand.
- Review: supplier submits, customer returns or accepts.
- Sign-off: once review is complete, supplier and customer each sign once, in any order.
  The customer must assess every linked KPI and quality standard before signing.
- Milestones roll up the status and progress of their deliverables at read time.
- Event log: every accepted change, view with 'dl log tail'.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd())
	root.AddCommand(milestoneCmd())
	root.AddCommand(deliverableCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("DELIVERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	root.PersistentFlags().String("role", "supplier", "actor role (supplier, customer, admin, contributor, viewer)")
	root.PersistentFlags().String("log-level", "warn", "log level for this command")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create deliverline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Initialized workspace %s (config %s, database %s)\n", workspace, path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every accepted change: creations, edits, transitions, assessments and signatures.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
					Limit:      n,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, events)
				}
				tw := newTable(out)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noNotify bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and event notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts := app.Options{Workspace: viper.GetString("workspace")}
			if cmd.Flag("log-level").Changed {
				opts.LogLevel = viper.GetString("log-level")
			}
			a, err := app.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			srvCfg := a.ServerConfig(basePath)
			if srvCfg.Auth.JWTSecret == "" && !srvCfg.Auth.AllowLegacyActorHeader {
				return fmt.Errorf("%s is required for bearer auth", a.Config.Auth.JWTSecretEnv)
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			if !noNotify {
				dispatcher, closeSinks, err := a.Dispatcher()
				if err != nil {
					return err
				}
				defer closeSinks()
				go dispatcher.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving deliverline api",
				zap.String("addr", addr),
				zap.String("base_path", srvCfg.BasePath),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving Deliverline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, srvCfg.BasePath, srvCfg.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not start webhook/AMQP notifications")
	return cmd
}

// --- helpers ---

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: "console",
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func currentActor() (domain.Actor, error) {
	role, ok := domain.ParseRole(viper.GetString("role"))
	if !ok {
		return domain.Actor{}, fmt.Errorf("unknown role %q", viper.GetString("role"))
	}
	return domain.Actor{ID: viper.GetString("actor-id"), Role: role}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	return tw
}
