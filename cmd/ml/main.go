package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline runs a home-services marketplace: requesters post missions,
providers accept and carry them out, and payment sits in escrow until the work is done.
- Mission: pending -> accepted -> in_progress -> completed -> validated; cancelled and disputed are the exits.
- Wallet: a balance backed by an append-only ledger; creating a mission holds its estimate in escrow.
- Settlement: completing a mission pays the provider and reconciles the requester's hold.
- Dispute: freezes a mission until a mediator resolves it.
- Live updates: every connected device of both parties sees each change (ml serve, then GET /v0/live).
- Event log: audit trail of every change, view with 'ml log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/missionline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "user acting on the command")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config %s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if admin == "" {
					return nil
				}
				if err := e.GrantRole(ctx, admin, auth.RoleAdmin, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Granted admin to %s\n", admin)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&admin, "admin", "", "user to grant the admin role")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Create missions and move them through their lifecycle",
	}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(transitionCmd("accept", "Accept a pending mission as --actor-id", func(ctx context.Context, e *engine.Engine, id, actor string, _ *cobra.Command) (domain.Mission, error) {
		return e.AcceptMission(ctx, id, actor)
	}))
	cmd.AddCommand(transitionCmd("start", "Start an accepted mission", func(ctx context.Context, e *engine.Engine, id, actor string, _ *cobra.Command) (domain.Mission, error) {
		return e.StartMission(ctx, id, actor)
	}))
	complete := transitionCmd("complete", "Complete a mission and settle escrow", func(ctx context.Context, e *engine.Engine, id, actor string, cmd *cobra.Command) (domain.Mission, error) {
		var final *int64
		if cmd.Flags().Changed("final-amount") {
			v, _ := cmd.Flags().GetInt64("final-amount")
			final = &v
		}
		return e.CompleteMission(ctx, id, actor, final)
	})
	complete.Flags().Int64("final-amount", 0, "amount to pay the provider (defaults to the estimate)")
	cmd.AddCommand(complete)
	validate := transitionCmd("validate", "Validate a completed mission and rate the provider", func(ctx context.Context, e *engine.Engine, id, actor string, cmd *cobra.Command) (domain.Mission, error) {
		rating, _ := cmd.Flags().GetInt("rating")
		return e.ValidateMission(ctx, id, actor, rating)
	})
	validate.Flags().Int("rating", 0, "rating from 1 to 5")
	_ = validate.MarkFlagRequired("rating")
	cmd.AddCommand(validate)
	cmd.AddCommand(transitionCmd("cancel", "Cancel a mission and refund escrow", func(ctx context.Context, e *engine.Engine, id, actor string, _ *cobra.Command) (domain.Mission, error) {
		return e.CancelMission(ctx, id, actor)
	}))
	dispute := transitionCmd("dispute", "Open a dispute", func(ctx context.Context, e *engine.Engine, id, actor string, cmd *cobra.Command) (domain.Mission, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return e.DisputeMission(ctx, id, actor, reason)
	})
	dispute.Flags().String("reason", "", "why the mission is disputed")
	cmd.AddCommand(dispute)
	resolve := transitionCmd("resolve", "Resolve a dispute (mediator)", func(ctx context.Context, e *engine.Engine, id, actor string, cmd *cobra.Command) (domain.Mission, error) {
		amount, _ := cmd.Flags().GetInt64("provider-amount")
		return e.ResolveDispute(ctx, id, actor, amount)
	})
	resolve.Flags().Int64("provider-amount", 0, "amount released to the provider; 0 refunds the requester")
	cmd.AddCommand(resolve)
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission as --actor-id and hold its estimate",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", "", "service category")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what needs doing")
	cmd.Flags().StringVar(&opts.Address, "address", "", "where")
	cmd.Flags().StringVar(&opts.ScheduledFor, "scheduled-for", "", "RFC3339 time")
	cmd.Flags().Int64Var(&opts.EstimatedAmount, "amount", 0, "estimated amount in minor units")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				missions, err := e.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Status", "Requester", "Provider", "Estimate", "Final"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Category, m.Status, m.RequesterID, deref(m.ProviderID), m.EstimatedAmount, derefAmount(m.FinalAmount)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

type transitionFunc func(ctx context.Context, e *engine.Engine, id, actor string, cmd *cobra.Command) (domain.Mission, error)

func transitionCmd(action, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := fn(ctx, e, args[0], viper.GetString("actor-id"), cmd)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Wallets and the escrow ledger"}
	var user string
	var limit int
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a wallet and its latest ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.GetWallet(ctx, user, limit, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Wallet %s: %d %s\n", view.Wallet.UserID, view.Wallet.Balance, view.Wallet.Currency)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entry", "Kind", "Amount", "Mission", "At"})
				for _, en := range view.History {
					tw.AppendRow(table.Row{en.ID, en.Kind, en.Amount, deref(en.MissionRef), en.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	show.Flags().StringVar(&user, "user", "", "wallet owner (defaults to --actor-id)")
	show.Flags().IntVar(&limit, "limit", 20, "ledger entries to show")

	var depositUser string
	var amount int64
	deposit := &cobra.Command{
		Use:   "deposit",
		Short: "Fund a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Deposit(ctx, depositUser, amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	deposit.Flags().StringVar(&depositUser, "user", "", "wallet owner")
	deposit.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = deposit.MarkFlagRequired("user")
	_ = deposit.MarkFlagRequired("amount")

	var verifyUser string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that a balance equals the sum of its ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifyUser == "" {
				verifyUser = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Ledger.Verify(ctx, verifyUser); err != nil {
					return err
				}
				fmt.Printf("wallet %s ok\n", verifyUser)
				return nil
			})
		},
	}
	verify.Flags().StringVar(&verifyUser, "user", "", "wallet owner (defaults to --actor-id)")

	cmd.AddCommand(show, deposit, verify)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Users, ratings and roles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's rating and roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	role := &cobra.Command{Use: "role", Short: "Grant or revoke admin and mediator roles"}
	role.AddCommand(&cobra.Command{
		Use:   "grant <user-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.GrantRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <user-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	cmd.AddCommand(role)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Mint an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, args[0], name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list [user-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := ""
			if len(args) == 1 {
				user = args[0]
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: mission transitions, deposits, role and key changes.",
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
			return withRuntime(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
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
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowActorHeader,
				EnableDevLogin:         devLogin,
				Logger:                 rt.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				rt.Engine.Registry.CloseAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Logger.Info("serving Missionline API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local testing only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOrDefault(viper.GetString("workspace"))
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(),
	})
}

// withRuntime runs fn against a freshly opened workspace and waits for
// collaborator calls (invoices, webhooks) before closing it.
func withRuntime(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", m.ID},
		{"Status", m.Status},
		{"Category", m.Category},
		{"Requester", m.RequesterID},
		{"Provider", deref(m.ProviderID)},
		{"Estimate", fmt.Sprintf("%d %s", m.EstimatedAmount, m.Currency)},
		{"Final", derefAmount(m.FinalAmount)},
		{"Scheduled", m.ScheduledFor},
		{"Updated", m.UpdatedAt},
	})
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefAmount(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
