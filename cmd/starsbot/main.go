package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/config"
	"github.com/ton-stars-service/internal/fragment"
	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/middleware"
	"github.com/ton-stars-service/internal/server"
	"github.com/ton-stars-service/internal/service"
	"github.com/ton-stars-service/internal/store"
	"github.com/ton-stars-service/internal/ton"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("service stopped")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ledger, ledgerKind, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	chain, err := ton.NewLiteChain(ctx, ton.LiteChainConfig{
		ConfigURL: cfg.DefaultTONConfigURL(),
		Testnet:   cfg.Testnet(),
		Mnemonic:  cfg.WalletMnemonic,
		Version:   cfg.WalletVersion,
	})
	if err != nil {
		return fmt.Errorf("connect to TON: %w", err)
	}
	wallet := ton.NewWallet(chain, ton.WalletOptions{
		MaxAttempts:   cfg.SendMaxAttempts,
		Confirmations: cfg.TransferConfirmations,
	})
	account := wallet.Account()
	log.Info().Str("wallet", account.Address).Str("network", cfg.TONNetwork).Msg("wallet ready")

	market, err := fragment.NewClient(fragment.Options{
		BaseURL:        cfg.FragmentBaseURL,
		APIHash:        cfg.FragmentAPIHash,
		Cookie:         cfg.FragmentCookie,
		Timeout:        cfg.CallTimeout,
		SuccessMarkers: cfg.FragmentSuccessMarkers,
		Completion: fragment.CompletionConfig{
			Confirmations: cfg.CompletionConfirmations,
			ProbeEvery:    cfg.ProbeEvery,
			ForceAfter:    cfg.ForceAfter,
		},
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
	})
	if err != nil {
		return fmt.Errorf("create marketplace client: %w", err)
	}

	var sender service.Sender = wallet
	if cfg.DryRun {
		log.Warn().Msg("DRY_RUN enabled, purchases will not send TON")
		sender = nil
	}
	purchases := service.NewPurchaseService(market, sender, cfg.SendTimeout)

	monitor := service.NewMonitorService(ledger, wallet, purchases, service.MonitorOptions{
		Interval:      cfg.MonitorInterval,
		Window:        cfg.MonitorWindow,
		StuckTimeout:  cfg.StuckTimeout,
		RetryDelay:    cfg.RetryDelay,
		IncomingLimit: cfg.IncomingLimit,
		StarsPerTON:   cfg.StarsPerTON(),
		GasFee:        cfg.GasFeeTON(),
		MinStars:      cfg.MinStars,
		MaxStars:      cfg.MaxStars,
	})

	adminAuth, err := buildAdminAuth(ctx, cfg)
	if err != nil {
		return err
	}

	router := server.NewRouter(server.Deps{
		Health: handler.NewHealthHandler(ledger, ledgerKind, account, cfg.TONNetwork, version),
		Info: handler.NewInfoHandler(account.Address, cfg.TONNetwork, handler.Pricing{
			StarsPerTON: cfg.StarsPerTON(),
			GasFee:      cfg.GasFeeTON(),
			MinStars:    cfg.MinStars,
			MaxStars:    cfg.MaxStars,
		}),
		Ledger:          service.NewLedgerService(ledger),
		Monitor:         monitor,
		Purchaser:       purchases,
		Wallet:          wallet,
		MaxStars:        cfg.MaxStars,
		AdminAuth:       adminAuth,
		PurchaseLimiter: middleware.NewRateLimiter(cfg.PurchaseRateLimit, cfg.PurchaseRateWindow, nil),
		CORSOrigins:     cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("http server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	select {
	case <-monitorDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("monitor did not stop before the shutdown deadline")
	}
	return serveErr
}

// openLedger connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory ledger otherwise.
func openLedger(ctx context.Context, cfg *config.Config) (interface {
	store.Ledger
	handler.Pinger
}, string, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory ledger; history is lost on restart")
		return store.NewMemory(nil), "memory", func() {}, nil
	}

	if cfg.RunMigrations {
		if err := runMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
			return nil, "", nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "", nil, fmt.Errorf("connect to database: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Ping(ctx); err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("ping database: %w", err)
	}
	return pg, "postgres", pool.Close, nil
}

func runMigrations(path, databaseURL string) error {
	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	v, dirty, _ := m.Version()
	log.Info().Uint("version", v).Bool("dirty", dirty).Msg("database migrations applied")
	return nil
}

func buildAdminAuth(ctx context.Context, cfg *config.Config) (func(http.Handler) http.Handler, error) {
	limiter := middleware.NewAuthAttemptLimiter(5, 5*time.Minute, 15*time.Minute, nil)

	switch {
	case cfg.AdminGoogleClientID != "":
		ga, err := middleware.NewGoogleAuth(ctx, cfg.AdminGoogleClientID, cfg.AdminAllowedDomain, cfg.AdminAllowedEmails)
		if err != nil {
			return nil, err
		}
		log.Info().Int("allowed_emails", len(cfg.AdminAllowedEmails)).Msg("admin API uses Google sign-in")
		return ga.Middleware(limiter), nil
	case cfg.AdminAPIToken != "":
		log.Info().Msg("admin API uses static token")
		return middleware.AdminTokenAuth(cfg.AdminAPIToken, limiter), nil
	default:
		log.Warn().Msg("no admin credentials configured, admin API disabled")
		return nil, nil
	}
}
