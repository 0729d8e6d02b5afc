package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vestline/internal/config"
	"vestline/internal/db"
	"vestline/internal/domain"
	"vestline/internal/engine"
	"vestline/internal/migrate"
	"vestline/internal/projection"
	"vestline/internal/repo"
	"vestline/internal/server"
	"vestline/internal/stats"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vestline CLI",
	Long: `Vestline keeps contributor accounts where value vests over time.
Core concepts:
- Workspace: your .vestline directory holding the SQLite database; vestline.yml holds the accounting rules.
- Account: one contributor's ledger within a project management, either OWNERSHIP (caps) or FINANCIAL (a currency).
- Transaction: an immutable group of credit/debit operations; each operation carries time-based distributions (ramps, steps, impulses) so value arrives gradually instead of all at once.
- Earnings: closing tasks credits their caps to assignees' ownership accounts, vesting half up and half down over the configured window.
- Views: read-model rows kept up to date by a projection consumer tailing the event log.
- Event log: the source of truth; inspect it with 'vl log tail'.`,
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
	viper.SetEnvPrefix("VESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(earningsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default vestline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage contributor accounts"}
	acc.AddCommand(accountCreateCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountActivateCmd())
	return acc
}

func accountCreateCmd() *cobra.Command {
	var opts engine.CreateAccountOptions
	var accountType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contributor account",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AccountType = domain.AccountType(accountType)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.Currency == "" && opts.AccountType == domain.AccountTypeOwnership {
					opts.Currency = e.Config.Accounting.OwnershipCurrency
				}
				state, err := e.CreateAccount(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"accountId": state.AccountID,
					"status":    state.Status,
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.AccountID, "id", "", "account id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectManagementID, "pm", "", "project management id")
	cmd.Flags().StringVar(&opts.ContributorID, "contributor", "", "contributor id")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency (defaults to ownership currency for OWNERSHIP)")
	cmd.Flags().StringVar(&accountType, "type", "OWNERSHIP", "account type (OWNERSHIP or FINANCIAL)")
	_ = cmd.MarkFlagRequired("pm")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

func accountListCmd() *cobra.Command {
	var pm, contributor, currency, accountType, status, at string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contributor accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				instant, err := parseInstant(at, e.Now)
				if err != nil {
					return err
				}
				filter := repo.ListAccountingFilter{}
				if pm != "" {
					filter.ProjectManagementID = []string{pm}
				}
				if contributor != "" {
					filter.ContributorID = []string{contributor}
				}
				if currency != "" {
					filter.Currency = []string{currency}
				}
				if accountType != "" {
					filter.AccountType = []domain.AccountType{domain.AccountType(accountType)}
				}
				if status != "" {
					filter.AccountStatus = []domain.AccountStatus{domain.AccountStatus(status)}
				}
				views, err := e.Repo.FindUsingFilter(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ACCOUNT", "PM", "CONTRIBUTOR", "CURRENCY", "TYPE", "STATUS", "BALANCE"})
				for _, v := range views {
					t.AppendRow(table.Row{v.AccountID, v.ProjectManagementID, v.ContributorID, v.Currency, v.AccountType, v.Status, fmt.Sprintf("%.4f", v.BalanceAt(instant))})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pm, "pm", "", "project management id")
	cmd.Flags().StringVar(&contributor, "contributor", "", "contributor id")
	cmd.Flags().StringVar(&currency, "currency", "", "currency")
	cmd.Flags().StringVar(&accountType, "type", "", "account type")
	cmd.Flags().StringVar(&status, "status", "", "account status")
	cmd.Flags().StringVar(&at, "at", "", "balance evaluation instant (RFC 3339, defaults to now)")
	return cmd
}

func accountShowCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show one account view with its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				instant, err := parseInstant(at, e.Now)
				if err != nil {
					return err
				}
				v, err := e.Repo.GetView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"view":    v,
					"balance": v.BalanceAt(instant),
					"at":      instant.Format(time.RFC3339),
				})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "balance evaluation instant (RFC 3339, defaults to now)")
	return cmd
}

func accountActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <account-id>",
		Short: "Activate a pending account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				state, err := e.ActivateAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"accountId": state.AccountID,
					"status":    state.Status,
				})
			})
		},
	}
	return cmd
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Manage transactions"}
	tx.AddCommand(txAddCmd())
	return tx
}

func txAddCmd() *cobra.Command {
	var accountID, filePath string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a transaction from a JSON operations file",
		Long: `The file holds the transaction's operations:
[{"balanceEffect":"CREDIT","distributions":[{"kind":"LINEAR_UP","value":60,"durationMs":1296000000}]}]
Values are interpreted per account type: total area for OWNERSHIP, peak for FINANCIAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var reqs []server.OperationRequest
			if err := json.Unmarshal(data, &reqs); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				state, err := e.AccountState(ctx, accountID)
				if err != nil {
					return err
				}
				now := e.Now().UTC()
				var ops []domain.TransactionOperation
				for _, r := range reqs {
					op, err := server.BuildOperation(r, state.AccountType, now)
					if err != nil {
						return err
					}
					ops = append(ops, op)
				}
				tx, err := e.AddTransaction(ctx, accountID, domain.Transaction{ValueOperations: ops})
				if err != nil {
					return err
				}
				return printJSON(tx)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON operations file")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func earningsCmd() *cobra.Command {
	earnings := &cobra.Command{Use: "earnings", Short: "Register closed-task earnings"}
	earnings.AddCommand(earningsRegisterCmd())
	return earnings
}

func earningsRegisterCmd() *cobra.Command {
	var pm, currency, filePath string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Credit closed tasks to their assignees' ownership accounts",
		Long: `The file holds closed tasks:
[{"taskId":"T-1","caps":120,"assigneeIds":["alice"]}]
Replaying the same file is safe: already-credited task ids are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tasks []domain.ClosedTask
			if err := json.Unmarshal(data, &tasks); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				results, err := e.RegisterTaskEarnings(ctx, engine.RegisterTaskEarningsOptions{
					ProjectManagementID: pm,
					Currency:            currency,
					Tasks:               tasks,
				})
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().StringVar(&pm, "pm", "", "project management id")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults to ownership currency)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON closed-tasks file")
	_ = cmd.MarkFlagRequired("pm")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statsCmd() *cobra.Command {
	var pm, contributor string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Project accounting stats with 12-month forecast",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				resolver := stats.Resolver{Repo: e.Repo, Config: e.Config, Now: e.Now}
				var contributorPtr *string
				if contributor != "" {
					contributorPtr = &contributor
				}
				result, err := resolver.ProjectStats(ctx, pm, contributorPtr)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&pm, "pm", "", "project management id")
	cmd.Flags().StringVar(&contributor, "contributor", "", "also resolve this contributor's split")
	_ = cmd.MarkFlagRequired("pm")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Store.Tail(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "ACCOUNT", "SEQ", "TYPE", "TS"})
				for _, se := range events {
					t.AppendRow(table.Row{se.ID, se.AccountID, se.Seq, se.Type, se.TS.Format(time.RFC3339)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret, rec, err := r.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				fmt.Printf("API key (shown once): %s\n", secret)
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
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
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("VESTLINE_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or VESTLINE_JWT_SECRET")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			consumer := projection.New(conn)
			consumerCtx, stopConsumer := context.WithCancel(cmd.Context())
			defer stopConsumer()
			go consumer.Run(consumerCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vestline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

// withEngine opens the workspace database, catches the view projection up with
// the log, and hands a ready engine to fn. CLI reads hit views directly, so
// the catch-up keeps single-process usage consistent.
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
	e := engine.New(conn, cfg)
	consumer := projection.New(conn)
	if err := consumer.CatchUp(ctx); err != nil {
		return err
	}
	if err := fn(ctx, e); err != nil {
		return err
	}
	// Fold in whatever the command just appended.
	return consumer.CatchUp(ctx)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseInstant(raw string, now func() time.Time) (time.Time, error) {
	if raw == "" {
		if now != nil {
			return now().UTC(), nil
		}
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
