package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"confidential-settlement/internal/alerting"
	"confidential-settlement/internal/config"
	"confidential-settlement/internal/engine"
	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/scheduler"
	"confidential-settlement/internal/service"
	"confidential-settlement/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openLedger returns the persistent ledger, or the in-memory one when no
// database is configured. The returned closer is nil for the memory ledger.
func (a *App) openLedger(ctx context.Context) (storage.Ledger, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory ledger")
		return storage.NewMemStore(a.Config.Engine.CooldownSeconds), nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if err := storage.EnsureSchema(ctx, pool, a.Config.Engine.CooldownSeconds); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newEngine(ledger storage.Ledger) *engine.Engine {
	identity := a.Config.IdentityAddress()

	cop := fhe.NewHTTPCoprocessor(fhe.CoprocessorOptions{
		BaseURL:   a.Config.Coprocessor.BaseURL,
		Timeout:   a.Config.Coprocessor.RequestTimeout,
		UserAgent: a.Config.Coprocessor.UserAgent,
	}, a.Logger)

	gateway := oracle.NewHTTPGateway(oracle.GatewayOptions{
		BaseURL:     a.Config.Oracle.BaseURL,
		CallbackURL: a.Config.Oracle.CallbackURL,
		Timeout:     a.Config.Oracle.RequestTimeout,
		UserAgent:   a.Config.Oracle.UserAgent,
	}, a.Logger)

	verifier := oracle.NewECDSAVerifier(identity, a.Config.OracleAddress())

	return engine.New(
		engine.Params{
			Owner:      a.Config.OwnerAddress(),
			Identity:   identity,
			RequestTTL: a.Config.Engine.RequestTTL,
		},
		ledger,
		fhe.NewAdapter(cop, identity),
		gateway,
		verifier,
		a.newNotifier(),
		a.Logger,
	)
}

// Run executes the long-running settlement service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	eng := a.newEngine(ledger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Sweeper.Interval,
		StartupDelay: a.Config.Sweeper.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, eng, sched, a.Logger)

	a.Logger.Info().Msg("starting settlement service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the settlement history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
