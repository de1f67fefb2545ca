package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/api"
	"github.com/nimbusgpu/nimbus-control-plane/internal/audit"
	"github.com/nimbusgpu/nimbus-control-plane/internal/billing"
	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/effects"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
	"github.com/nimbusgpu/nimbus-control-plane/internal/store"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "nimbus-api").Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		sessions store.SessionStore
		ledger   billing.Ledger
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect db")
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ping db")
		}
		sessions = store.NewPostgres(pool)
		ledger = billing.NewPostgres(pool)
	} else {
		logger.Warn().Msg("no database configured; running on the in-memory store")
		sessions = store.NewMemoryStore()
		ledger = billing.NewMemoryLedger()
	}

	prov := buildProvisioner(cfg, logger)
	disp := effects.New(ledger, audit.NewLogSink(logger), prov, effects.RetryPolicy{
		MaxAttempts: cfg.EffectMaxAttempts,
		BaseDelay:   cfg.EffectBaseDelay,
		MaxDelay:    cfg.EffectMaxDelay,
	}, logger)
	reg := registry.New(sessions, disp, logger)
	apiSrv := api.NewServer(cfg, reg, prov, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiSrv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("nimbus-control-plane listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("http server")
	}

	// Join in-flight provisioning first; their outcomes enqueue effects,
	// and Drain must not race new Enqueue calls.
	apiSrv.DrainProvisions()
	disp.Drain()
}

func buildProvisioner(cfg config.Config, logger zerolog.Logger) gpu.Provisioner {
	switch cfg.GPUProvider {
	case "aws":
		prov, err := gpu.NewAWSProvisioner(gpu.AWSProvisionerOptions{
			AMIByRegion:   cfg.AWSAMIMap,
			InstanceType:  cfg.AWSInstanceType,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init aws provisioner")
		}
		return prov
	default:
		return gpu.NewFakeProvisioner()
	}
}
