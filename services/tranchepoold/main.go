package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tranchepool/api"
	"tranchepool/audit"
	"tranchepool/integrations/settlement"
	"tranchepool/native/vault"
	"tranchepool/observability"
	"tranchepool/observability/logging"
	telemetry "tranchepool/observability/otel"
	"tranchepool/services/tranchepoold/config"
	"tranchepool/storage/vaultstore"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/tranchepoold/config.yaml", "path to tranchepoold config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "tranchepoold",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "tranchepoold",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	params, err := cfg.LoadParams()
	if err != nil {
		log.Fatalf("load params: %v", err)
	}
	if len(params.Admins) == 0 {
		log.Fatalf("params must name at least one admin")
	}
	bootstrapAdmin := common.HexToAddress(strings.TrimSpace(params.Admins[0]))

	store, err := vaultstore.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()

	var journal *audit.Journal
	if cfg.AuditDSN != "" {
		journal, err = audit.Open(cfg.AuditDSN, logger)
		if err != nil {
			log.Fatalf("open audit journal: %v", err)
		}
		defer journal.Close()
	}

	platform, err := settlement.New(cfg.Settlement.BaseURL, []byte(cfg.Settlement.HMACSecret))
	if err != nil {
		log.Fatalf("configure settlement client: %v", err)
	}

	policy := vault.NewStaticPolicy()
	if err := params.GrantRoles(policy); err != nil {
		log.Fatalf("grant roles: %v", err)
	}

	engine := vault.NewEngine(platform, platform, policy)
	engine.SetState(store)
	engine.SetCustody(platform)
	if journal != nil {
		engine.SetAuditSink(journal)
	}
	if err := params.Apply(engine, bootstrapAdmin); err != nil {
		log.Fatalf("apply params: %v", err)
	}

	serverCfg := api.Config{
		Engine:  engine,
		Logger:  logger,
		Metrics: observability.Pool(),
		Auth: api.NewAuthenticator(api.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		serverCfg.Limiter = api.NewRateLimiter(api.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		})
	}
	if journal != nil {
		serverCfg.Journal = journal
	}
	server := api.NewServer(serverCfg)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("tranchepoold listening", "address", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
