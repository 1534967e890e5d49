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

	"fieldproof/internal/app"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/engine"
	"fieldproof/internal/repo"
	"fieldproof/internal/server"
)

// Environment overrides for secrets and endpoints that should not live in
// fieldproof.yml, e.g. FIELDPROOF_CHAIN_OPERATOR_KEY.
var envOverrides = []string{
	"chain.operator_key",
	"chain.rpc_url",
	"server.jwt_secret",
	"redis.addr",
	"redis.password",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fp",
		Short: "fieldproof settlement CLI",
		Long: `fieldproof settles location-bound photo tasks.
Core concepts:
- Task: a requester's bounty for proof captured at a place within a time window. draft -> posted -> claimed -> submitted -> accepted, with cancelled, expired and disputed exits.
- Escrow: the bounty locked at publish. The ledger provider books it locally; the chain provider calls the settlement contract and the indexer reconciles.
- Claim and stake: one worker at a time holds a task and locks a stake sized by strikes and reputation.
- Submission: artefacts sealed into a proof bundle and scored by the verification checks.
- Dispute: a worker's appeal of a rejection, resolved for the worker, the requester or as a split.
- Event log: every change, view with 'fp log tail'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	cobra.OnInitialize(initConfig)
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor-id", flags.Lookup("actor-id"))

	root.AddCommand(configCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(claimCmd())
	root.AddCommand(submissionCmd())
	root.AddCommand(disputeCmd())
	root.AddCommand(settleCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(indexerCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("FIELDPROOF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads fieldproof.yml from the workspace, falling back to
// defaults, and applies FIELDPROOF_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	for _, key := range envOverrides {
		v := viper.GetString(key)
		if v == "" {
			continue
		}
		switch key {
		case "chain.operator_key":
			cfg.Chain.OperatorKey = v
		case "chain.rpc_url":
			cfg.Chain.RPCURL = v
		case "server.jwt_secret":
			cfg.Server.JWTSecret = v
		case "redis.addr":
			cfg.Redis.Addr = v
		case "redis.password":
			cfg.Redis.Password = v
		}
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error { return fn(ctx, a.Engine) })
}

func actor() string { return viper.GetString("actor-id") }

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage fieldproof.yml"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fieldproof.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg.Redacted())
		},
	}
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Audit event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), evs)
				}
				tw := newTable(cmd.OutOrStdout(), table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, and the chain indexer when escrow.provider is chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if cfg.Server.JWTSecret == "" && !cfg.Server.AllowActorHeader {
					return fmt.Errorf("server.jwt_secret (or FIELDPROOF_SERVER_JWT_SECRET) is required when allow_actor_header is off")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Indexer:  a.Indexer,
					Gatherer: a.Registry,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, AllowActorHeader: cfg.Server.AllowActorHeader},
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				if a.Indexer != nil {
					a.Indexer.Start(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.WithField("addr", addr).WithField("provider", a.Escrow.Name()).Info("serving fieldproof API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

// --- helpers ---

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	return tw
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 time, got %q", s)
	}
	return t.UTC(), nil
}

func printOutcome(w io.Writer, o engine.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(w, o)
	}
	fmt.Fprintf(w, "task %s: %s\n", o.Task.ID, o.Task.Status)
	if s := o.Settlement; s != nil {
		fmt.Fprintf(w, "settlement %s: %s", s.Action, s.Status)
		if s.TxHash != "" {
			fmt.Fprintf(w, " tx=%s", s.TxHash)
		}
		if s.Error != "" {
			fmt.Fprintf(w, " error=%s", s.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}
