package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"todochain/internal/app"
	"todochain/internal/auth"
	"todochain/internal/config"
	"todochain/internal/db"
	"todochain/internal/domain"
	"todochain/internal/repo"
	"todochain/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "todochain",
	Short: "Todochain node",
	Long: `Todochain keeps a to-do list on an Ethereum contract.
- Tasks live on chain; every create, edit, complete and delete is a signed transaction.
- Wallet login: the UI signs a message with personal_sign and gets a short-lived bearer token.
- Advice: a local language model writes a tip for every task and can rank a batch of tasks.
- Reminders: a daily job finds overdue tasks and pushes one summary to every browser subscription.
- Event log: a local diary of writes, subscriptions and reminders, view with 'todochain log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TODOCHAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to todochain.yml or todochain.toml in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(subscriptionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keysCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if cmd.Flags().Changed("base-path") {
					rt.Config.Server.BasePath = basePath
				}
				scfg, err := rt.ServerConfig()
				if err != nil {
					return err
				}
				handler, err := server.New(scfg)
				if err != nil {
					return err
				}
				if err := rt.StartBackground(ctx); err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Todochain API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, scfg.BasePath, scfg.BasePath)
				serveErr := srv.ListenAndServe()
				sctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
				defer cancel()
				rt.Shutdown(sctx)
				if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
					return serveErr
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path (overrides server.base_path)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Read tasks from the contract",
		Long:  "Tasks are read straight from the contract. Writes go through the API so they are authenticated and advised.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCountCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListTasks(ctx)
				if err != nil {
					return err
				}
				if pending {
					open := tasks[:0]
					for _, t := range tasks {
						if !t.Completed {
							open = append(open, t)
						}
					}
					tasks = open
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Progress", "Deadline", "Done"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, fmt.Sprintf("%d%%", t.Progress), t.Deadline, t.Completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only incomplete tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the contract's task counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.CountTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]uint64{"count": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func remindCmd() *cobra.Command {
	rem := &cobra.Command{Use: "remind", Short: "Overdue reminders"}
	rem.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the overdue reminder job once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Reminder.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if len(res.Overdue) == 0 {
					fmt.Println("no overdue tasks")
					return nil
				}
				fmt.Printf("%d overdue task(s)\n%s\n", len(res.Overdue), res.Message)
				fmt.Printf("delivered: %d, removed: %d, failed: %d\n", res.Delivery.Sent, res.Delivery.Removed, res.Delivery.Failed)
				return nil
			})
		},
	})
	return rem
}

func subscriptionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subscription", Short: "Manage push subscriptions"}
	sub.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List push subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				subs, err := r.ListSubscriptions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Endpoint", "Created"})
				for _, s := range subs {
					tw.AppendRow(table.Row{s.Endpoint, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	sub.AddCommand(&cobra.Command{
		Use:   "remove <endpoint>",
		Short: "Remove a push subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveSubscription(ctx, args[0])
			})
		},
	})
	return sub
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entityLabel(e), e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func entityLabel(e domain.Event) string {
	if e.EntityID == "" {
		return e.EntityKind
	}
	return e.EntityKind + ":" + e.EntityID
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect node config",
		Long:  "Config lives in todochain.yml (or todochain.toml) in the workspace. Secrets are better kept in TODOCHAIN_* environment variables.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default todochain.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Auth.JWTSecret = mask(masked.Auth.JWTSecret)
			masked.Chain.PrivateKey = mask(masked.Chain.PrivateKey)
			masked.Push.VAPIDPrivateKey = mask(masked.Push.VAPIDPrivateKey)
			masked.Advisory.APIKey = mask(masked.Advisory.APIKey)
			return printJSONOrTable(masked)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Inspect bearer tokens"}
	tok.AddCommand(&cobra.Command{
		Use:   "verify <token>",
		Short: "Check a bearer token against the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ttl, err := cfg.TokenTTL()
			if err != nil {
				return err
			}
			v, err := auth.NewVerifier(cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("auth.jwt_secret: %w", err)
			}
			cred, err := v.Authenticate(args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"address":    cred.Address,
				"issued_at":  cred.IssuedAt,
				"expires_at": cred.ExpiresAt,
			})
		},
	})
	return tok
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Generate key material"}
	var envFile string
	vapid := &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := webpush.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			if envFile != "" {
				path := envFile
				if !filepath.IsAbs(path) {
					path = filepath.Join(viper.GetString("workspace"), path)
				}
				if err := setEnvValue(path, "TODOCHAIN_VAPID_PUBLIC_KEY", pub); err != nil {
					return err
				}
				if err := setEnvValue(path, "TODOCHAIN_VAPID_PRIVATE_KEY", priv); err != nil {
					return err
				}
				fmt.Println("wrote VAPID keys to", path)
				return nil
			}
			return printJSONOrTable(map[string]string{"public_key": pub, "private_key": priv})
		},
	}
	vapid.Flags().StringVar(&envFile, "env-file", "", "append the keys to this .env file instead of printing them")
	keys.AddCommand(vapid)
	return keys
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	app.ApplySecrets(cfg, app.Secrets{
		JWTSecret:       viper.GetString("jwt_secret"),
		PrivateKey:      viper.GetString("private_key"),
		VAPIDPublicKey:  viper.GetString("vapid_public_key"),
		VAPIDPrivateKey: viper.GetString("vapid_private_key"),
		AdvisoryAPIKey:  viper.GetString("advisory_api_key"),
	})
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, "todochain: ", log.LstdFlags)
	rt, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenStore(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return renderFields(os.Stdout, v)
}

// renderFields prints an object as a two-column Field/Value table with sorted
// keys. Values that do not marshal to a JSON object are printed as JSON.
func renderFields(w io.Writer, v any) error {
	rows, ok := fieldRows(v)
	if !ok {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
	return nil
}

func fieldRows(v any) ([][2]string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][2]string, 0, len(keys))
	for _, k := range keys {
		var val string
		switch x := m[k].(type) {
		case string:
			val = x
		case nil:
			val = ""
		default:
			raw, _ := json.Marshal(x)
			val = string(raw)
		}
		rows = append(rows, [2]string{k, val})
	}
	return rows, true
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
