package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lock"
	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/selector"
	"github.com/BTreeMap/LeadPipe/internal/signals"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	alertTimeout    = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "LeadPipe: %v\n", err)
		os.Exit(1)
	}
	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg); err != nil {
		os.Exit(2)
	}
	initializeLogger(cfg.Level())
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping LeadPipe", "apiAddr", cfg.APIAddr, "dsnSet", cfg.StoreDSN() != "", "redis", cfg.RedisAddr != "", "ai", cfg.OpenAIKey != "")
	if err := run(ctx, cfg); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags lets flags override the environment.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg *config.Config) error {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for the SQLite database (overrides $LEADPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "Postgres DSN, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.SeedFile, "seed", cfg.SeedFile, "YAML file of forms, questions and clients to load at startup (overrides $LEADPIPE_SEED_FILE)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-replica session locks (overrides $REDIS_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return nil
}

// ensureStateDir creates the directory holding a SQLite file.
func ensureStateDir(dsn string) error {
	if dsn == "" || store.IsPostgresDSN(dsn) {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	dsn := cfg.StoreDSN()
	if err := ensureStateDir(dsn); err != nil {
		return err
	}

	locker, closeLocker, err := buildLocker(ctx, cfg, dsn)
	if err != nil {
		return err
	}
	defer closeLocker()

	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.SeedFile != "" {
		seed, err := store.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, st); err != nil {
			return fmt.Errorf("apply seed file: %w", err)
		}
	}

	m := metrics.New()
	gen, err := buildGenerator(cfg)
	if err != nil {
		return err
	}
	assistant := flow.NewAssistant(gen, cfg.AITimeout, m)
	selOpts := []selector.Option{selector.WithQuestionsPerStep(cfg.QuestionsPerStep)}
	if gen != nil && cfg.AIRerank {
		selOpts = append(selOpts, selector.WithReranker(assistant))
	}

	engine := flow.NewEngine(st,
		flow.WithLocker(locker),
		flow.WithSelector(selector.New(selOpts...)),
		flow.WithRouter(flow.NewRouter(flow.WithStepCeiling(cfg.StepCeiling))),
		flow.WithSignals(signals.NewCollector(buildProviders(cfg), signals.WithTimeout(cfg.SignalTimeout), signals.WithMetrics(m))),
		flow.WithAssistant(assistant),
		flow.WithRecovery(recovery.NewManager(st, recovery.WithWindow(cfg.RecoveryWindow))),
		flow.WithMetrics(m),
	)

	sender, err := buildSender(cfg)
	if err != nil {
		return err
	}
	runner := store.NewJobRunner(st, cfg.JobPollInterval, store.WithHandlerTimeout(alertTimeout))
	runner.RegisterHandler(notify.JobKindLeadAlert, notify.NewNotifier(sender, cfg.AlertRecipients, m).JobHandler())

	startup := recovery.NewStartup()
	startup.Register(recovery.StaleJobs{Runner: runner})
	startup.Register(recovery.AbandonmentSweep{Sweeper: engine})
	if err := startup.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete, continuing", "error", err)
	}

	sched := scheduler.NewScheduler()
	err = sched.AddTask("abandonment_sweep", cfg.SweepSchedule, func(ctx context.Context) error {
		_, err := engine.SweepAbandoned(ctx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	sched.Start()

	runnerCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	go runner.Run(runnerCtx)

	srv := api.NewServer(engine, st, m,
		api.WithAddr(cfg.APIAddr),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
		api.WithRequestTimeout(cfg.RequestTimeout),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	sched.Stop(shutdownCtx)
	stopRunner()
	return serveErr
}

// buildLocker returns the Redis locker when configured. Without Redis the
// locks are process local, so a SQLite deployment also takes the
// single-instance file lock.
func buildLocker(ctx context.Context, cfg *config.Config, dsn string) (lock.Locker, func(), error) {
	if cfg.RedisAddr != "" {
		client, err := lock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using Redis session locks", "addr", cfg.RedisAddr)
		return lock.NewRedisLocker(client, lock.WithTTL(cfg.LockTTL)), func() { client.Close() }, nil
	}
	if dsn == "" || store.IsPostgresDSN(dsn) {
		return lock.NewLocalLocker(), func() {}, nil
	}
	inst, err := lock.AcquireInstance(filepath.Dir(dsn))
	if err != nil {
		return nil, nil, err
	}
	return lock.NewLocalLocker(), func() { inst.Release() }, nil
}

// buildGenerator returns nil when no API key is configured; every AI step
// then uses its fallback.
func buildGenerator(cfg *config.Config) (flow.TextGenerator, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("No OpenAI API key configured, AI copy disabled")
		return nil, nil
	}
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey), genai.WithTimeout(cfg.AITimeout)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

func buildProviders(cfg *config.Config) []signals.Provider {
	httpClient := &http.Client{Timeout: cfg.SignalTimeout}
	var providers []signals.Provider
	if cfg.SearchURL != "" {
		providers = append(providers, signals.NewWebSearchProvider(cfg.SearchURL, cfg.SearchAPIKey, httpClient))
	}
	if cfg.GeocodeURL != "" {
		providers = append(providers, signals.NewGeoProvider(cfg.GeocodeURL, cfg.GeocodeAgent, httpClient))
	}
	return providers
}

func buildSender(cfg *config.Config) (notify.Sender, error) {
	if !cfg.TwilioConfigured() {
		slog.Info("Twilio not configured, lead alerts are logged only")
		return notify.LogSender{}, nil
	}
	return notify.NewTwilioSender(
		notify.WithAccountSID(cfg.TwilioAccountSID),
		notify.WithAuthToken(cfg.TwilioAuthToken),
		notify.WithFrom(cfg.TwilioFrom),
	)
}
