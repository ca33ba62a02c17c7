package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"todochain/internal/advisory"
	"todochain/internal/auth"
	"todochain/internal/config"
	"todochain/internal/db"
	"todochain/internal/engine"
	"todochain/internal/events"
	"todochain/internal/ledger"
	"todochain/internal/migrate"
	"todochain/internal/push"
	"todochain/internal/reminder"
	"todochain/internal/repo"
	"todochain/internal/server"
)

// Secrets are values that should come from the environment rather than the
// config file. Empty fields fall back to the file.
type Secrets struct {
	JWTSecret       string
	PrivateKey      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	AdvisoryAPIKey  string
}

// Runtime holds every long-lived component of a running node.
type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   *ledger.Adapter
	Advisory *advisory.Service
	Engine   engine.Engine
	Verifier auth.Verifier
	Registry *push.Registry
	// Sender is nil when VAPID keys are not configured.
	Sender     *push.Sender
	Reminder   *reminder.Scheduler
	Dispatcher *events.Dispatcher
	Logger     *log.Logger

	client *ethclient.Client
}

// ApplySecrets overlays non-empty secrets onto cfg.
func ApplySecrets(cfg *config.Config, s Secrets) {
	if s.JWTSecret != "" {
		cfg.Auth.JWTSecret = s.JWTSecret
	}
	if s.PrivateKey != "" {
		cfg.Chain.PrivateKey = s.PrivateKey
	}
	if s.VAPIDPublicKey != "" {
		cfg.Push.VAPIDPublicKey = s.VAPIDPublicKey
	}
	if s.VAPIDPrivateKey != "" {
		cfg.Push.VAPIDPrivateKey = s.VAPIDPrivateKey
	}
	if s.AdvisoryAPIKey != "" {
		cfg.Advisory.APIKey = s.AdvisoryAPIKey
	}
}

// OpenStore opens the workspace database and applies migrations.
func OpenStore(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Build wires a Runtime from cfg. The chain node must be reachable; the
// advisory model is pinged but a failure there only gets logged.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	conn, err := OpenStore(ctx, workspace)
	if err != nil {
		return nil, err
	}
	rt.DB = conn
	rt.Repo = repo.Repo{DB: conn}
	rt.Events = events.Writer{DB: conn}

	if rt.Ledger, err = rt.buildLedger(ctx); err != nil {
		return nil, err
	}
	if rt.Advisory, err = BuildAdvisory(cfg, logger); err != nil {
		return nil, err
	}
	if err := rt.Advisory.Start(ctx); err != nil {
		logger.Printf("advisory: model not reachable yet: %v", err)
	}
	rt.Engine = engine.New(rt.Ledger, rt.Advisory, rt.Events)
	rt.Engine.Logger = logger

	if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		ttl, err := cfg.TokenTTL()
		if err != nil {
			return nil, err
		}
		if rt.Verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, ttl); err != nil {
			return nil, err
		}
	}

	store := push.RepoStore{Repo: rt.Repo}
	if rt.Registry, err = push.NewRegistry(store, rt.Events); err != nil {
		return nil, err
	}
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		rt.Sender, err = push.NewSender(store, rt.Events, push.SenderOptions{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
			TTL:             cfg.Push.TTL,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Printf("push: VAPID keys not configured; notifications disabled")
	}

	ropts := reminder.Options{
		Tasks:   rt.Ledger,
		Drafter: rt.Advisory,
		Events:  rt.Events,
		Logger:  logger,
	}
	if rt.Sender != nil {
		ropts.Notifier = rt.Sender
	}
	rt.Reminder = reminder.New(ropts)

	if len(cfg.Webhooks) > 0 {
		rt.Dispatcher = events.NewDispatcher(rt.Repo, cfg.Webhooks, logger)
	}
	ok = true
	return rt, nil
}

func (rt *Runtime) buildLedger(ctx context.Context) (*ledger.Adapter, error) {
	cfg := rt.Config
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return nil, errors.New("chain.contract_address is required")
	}
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	rt.client = client
	var submitter *ledger.Submitter
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.Chain.PrivateKey), "0x"); key != "" {
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("chain.private_key: %w", err)
		}
		poll, err := cfg.PollInterval()
		if err != nil {
			return nil, err
		}
		confirm, err := cfg.ConfirmTimeout()
		if err != nil {
			return nil, err
		}
		submitter, err = ledger.NewSubmitter(ctx, client, pk, ledger.SubmitterOptions{
			ChainID:        cfg.Chain.ChainID,
			PollInterval:   poll,
			ConfirmTimeout: confirm,
			Logger:         rt.Logger,
		})
		if err != nil {
			return nil, err
		}
		rt.Logger.Printf("ledger: submitting from %s", submitter.From().Hex())
	} else {
		rt.Logger.Printf("ledger: no private key configured; running read-only")
	}
	return ledger.NewAdapter(client, common.HexToAddress(cfg.Chain.ContractAddress), submitter, rt.Logger)
}

// BuildAdvisory picks the model client named by advisory.backend.
func BuildAdvisory(cfg *config.Config, logger *log.Logger) (*advisory.Service, error) {
	timeout, err := cfg.AdvisoryTimeout()
	if err != nil {
		return nil, err
	}
	a := cfg.Advisory
	var model advisory.Model
	switch a.Backend {
	case "ollama":
		model = advisory.NewOllamaModel(a.BaseURL, a.Model, int64(a.MaxTokens))
	case "openai":
		model = advisory.NewOpenAIModel(a.BaseURL, a.APIKey, a.Model, int64(a.MaxTokens))
	default:
		return nil, fmt.Errorf("unknown advisory backend %q", a.Backend)
	}
	return advisory.New(model, advisory.Options{Timeout: timeout, Logger: logger}), nil
}

// ServerConfig assembles the HTTP API dependencies for the runtime.
func (rt *Runtime) ServerConfig() (server.Config, error) {
	if len(rt.Verifier.Secret) == 0 {
		return server.Config{}, errors.New("auth.jwt_secret is required to serve the API; set TODOCHAIN_JWT_SECRET")
	}
	cfg := server.Config{
		Engine:   rt.Engine,
		Auth:     server.AuthConfig{Verifier: rt.Verifier, Logger: rt.Logger},
		Push:     rt.Registry,
		Reminder: rt.Reminder,
		Repo:     rt.Repo,
		BasePath: rt.Config.Server.BasePath,
	}
	if rt.Sender != nil {
		cfg.Notifier = rt.Sender
	}
	return cfg, nil
}

// StartBackground starts the reminder job and webhook delivery.
func (rt *Runtime) StartBackground(ctx context.Context) error {
	if rt.Config.RemindersEnabled() {
		if err := rt.Reminder.Start(rt.Config.Reminder.Schedule); err != nil {
			return err
		}
	}
	if rt.Dispatcher != nil {
		rt.Dispatcher.Start(ctx)
	}
	return nil
}

// Shutdown stops background work, waiting at most until ctx is done.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.Reminder != nil {
		rt.Reminder.Stop(ctx)
	}
	if rt.Dispatcher != nil {
		rt.Dispatcher.Stop()
	}
	if rt.Advisory != nil {
		rt.Advisory.Shutdown()
	}
}

// Close releases the chain connection and database.
func (rt *Runtime) Close() {
	if rt.client != nil {
		rt.client.Close()
		rt.client = nil
	}
	if rt.DB != nil {
		rt.DB.Close()
		rt.DB = nil
	}
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and jobs.
const ShutdownTimeout = 5 * time.Second
