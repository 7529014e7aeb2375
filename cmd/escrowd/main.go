package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowledger/cmd/internal/secret"
	"escrowledger/config"
	"escrowledger/core/events"
	"escrowledger/gateway/middleware"
	"escrowledger/gateway/routes"
	escrowcommon "escrowledger/native/common"
	"escrowledger/native/escrow"
	"escrowledger/native/guarantor"
	"escrowledger/native/insurance"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
	"escrowledger/observability/logging"
	"escrowledger/observability/metrics"
	telemetry "escrowledger/observability/otel"
	"escrowledger/storage"
)

var version = "dev"

func main() {
	var cfgPath string
	var issueFor string
	var tokenTTL time.Duration
	flag.StringVar(&cfgPath, "config", "./escrowd.toml", "path to escrowd configuration")
	flag.StringVar(&issueFor, "issue-token", "", "print a bearer token for the given address and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens minted with -issue-token")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger, closeLog := logging.Setup("escrowd", logging.Options{
		Environment: cfg.Log.Environment,
		Level:       level,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	defer func() { _ = closeLog() }()

	signingSecret, err := secret.NewSource(cfg.Gateway.JWTSecretEnv, cfg.Gateway.JWTSecret).Get()
	if err != nil {
		logger.Error("resolve signing secret", slog.Any("error", err))
		_ = closeLog()
		os.Exit(1)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: signingSecret,
		Issuer:     cfg.Gateway.Issuer,
		Audience:   cfg.Gateway.Audience,
		ClockSkew:  time.Duration(cfg.Gateway.ClockSkewSeconds) * time.Second,
	}, logger)

	if issueFor != "" {
		if !common.IsHexAddress(issueFor) {
			fmt.Fprintf(os.Stderr, "issue-token: %q is not a hex address\n", issueFor)
			os.Exit(2)
		}
		token, err := auth.IssueToken(common.HexToAddress(issueFor), tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, logger, level, auth); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, level slog.Level, auth *middleware.Authenticator) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "escrowd"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Log.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Enabled && cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Enabled && cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	addrs, err := cfg.Escrow.Addresses()
	if err != nil {
		return err
	}
	bank := ledger.NewBank()
	registry, err := guarantor.NewRegistry(cfg.Guarantor.Policy(), bank, addrs.StakeVault, addrs.RewardReserve)
	if err != nil {
		return fmt.Errorf("guarantor registry: %w", err)
	}
	genesis, err := cfg.Ledger.Genesis()
	if err != nil {
		return err
	}
	if err := seedLedger(bank, registry, genesis); err != nil {
		return err
	}
	logger.Info("ledger seeded",
		slog.Int("accounts", len(genesis.Credits)),
		slog.Bool("reward_reserve_funded", genesis.RewardReserveFunding != nil))
	pauses := escrowcommon.NewPauses()
	pauses.Set(escrow.ModuleName, cfg.Escrow.Paused)
	book := lending.NewBook(cfg.Lending)
	engine, err := escrow.NewEngine(escrow.Deps{
		Bank:      bank,
		Vault:     addrs.Vault,
		Registry:  registry,
		Lenders:   book,
		Insurance: insurance.NewPool(cfg.Insurance, bank, addrs.InsuranceReserve),
		Admin:     addrs.Admin,
		Pauses:    pauses,
		Quota:     cfg.Escrow.Quota,
	})
	if err != nil {
		return fmt.Errorf("escrow engine: %w", err)
	}
	hub := events.NewHub(events.DefaultSubscriberBuffer)
	emitter := events.Multi{metrics.Escrow(), hub, events.LogEmitter{Logger: logger.With(slog.String("component", "events"))}}
	engine.SetLogger(logger)
	engine.SetEmitter(emitter)
	registry.SetLogger(logger)
	registry.SetEmitter(emitter)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	snapshots, closeSnapshots, err := openSnapshots(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = closeSnapshots() }()
	audit, err := storage.OpenAuditLog(cfg.Storage.AuditDB)
	if err != nil {
		return err
	}
	defer audit.Close()

	modules := metrics.Module()
	limits := make(map[string]middleware.RateLimit, len(cfg.Gateway.RateLimits))
	for name, rl := range cfg.Gateway.RateLimits {
		limits[name] = middleware.RateLimit{RatePerSecond: rl.RatePerSecond, Burst: rl.Burst}
	}
	router, err := routes.New(routes.Config{
		Engine:        engine,
		Lenders:       book,
		Bank:          bank,
		Snapshots:     snapshots,
		Audit:         audit,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(limits, modules, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: level <= slog.LevelDebug,
		}, modules, prometheus.DefaultGatherer, logger),
		Throttles: modules,
		Events:    hub,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Telemetry.Enabled && cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, "escrowd")
	}
	server := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           handler,
		ReadTimeout:       cfg.Gateway.ReadTimeout(),
		ReadHeaderTimeout: cfg.Gateway.ReadTimeout(),
		WriteTimeout:      cfg.Gateway.WriteTimeout(),
		IdleTimeout:       cfg.Gateway.IdleTimeout(),
	}

	listener, err := net.Listen("tcp", cfg.Gateway.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if cfg.Gateway.TLSEnabled() {
			scheme = "https"
		}
		logger.Info("escrowd listening",
			slog.String("address", scheme+"://"+listener.Addr().String()),
			slog.String("version", version))
		var err error
		if cfg.Gateway.TLSEnabled() {
			err = server.ServeTLS(listener, cfg.Gateway.TLSCertFile, cfg.Gateway.TLSKeyFile)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("escrowd stopped", slog.Uint64("escrows", engine.Count()))
	return nil
}

// openSnapshots opens the configured snapshot backend. An empty directory
// keeps snapshots in memory.
func openSnapshots(cfg config.Storage) (*storage.SnapshotStore, func() error, error) {
	backend, path := cfg.Backend, strings.TrimSpace(cfg.SnapshotDir)
	if path == "" {
		backend = storage.BackendMemory
	} else if backend == storage.BackendBolt {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create snapshot dir: %w", err)
		}
		path = filepath.Join(path, "snapshots.bolt")
	}
	db, err := storage.OpenDatabase(backend, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return storage.NewSnapshotStore(db), db.Close, nil
}

// seedLedger credits the configured starting balances and then funds the
// guarantor reward reserve from its funder.
func seedLedger(bank *ledger.Bank, registry *guarantor.Registry, genesis config.Genesis) error {
	for _, credit := range genesis.Credits {
		if err := bank.Deposit(credit.Address, credit.Amount); err != nil {
			return fmt.Errorf("seed balance %x: %w", credit.Address, err)
		}
	}
	if genesis.RewardReserveFunding == nil {
		return nil
	}
	if err := registry.FundRewardReserve(genesis.RewardReserveFunder, genesis.RewardReserveFunding); err != nil {
		return fmt.Errorf("fund reward reserve: %w", err)
	}
	return nil
}
