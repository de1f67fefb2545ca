package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/audit"
	"github.com/nimbusgpu/nimbus-control-plane/internal/billing"
	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/effects"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/reaper"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
	"github.com/nimbusgpu/nimbus-control-plane/internal/store"
)

// The reaper runs as its own binary so sweep cadence and API availability
// fail independently. It shares the control plane's database, so a reaped
// transition is indistinguishable from one applied by the API process.
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "nimbus-reaper").Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("NIMBUS_DATABASE_URL is required; a memory-backed reaper would sweep an empty store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping db")
	}

	prov := buildProvisioner(cfg, logger)
	disp := effects.New(billing.NewPostgres(pool), audit.NewLogSink(logger), prov, effects.RetryPolicy{
		MaxAttempts: cfg.EffectMaxAttempts,
		BaseDelay:   cfg.EffectBaseDelay,
		MaxDelay:    cfg.EffectMaxDelay,
	}, logger)
	reg := registry.New(store.NewPostgres(pool), disp, logger)

	deadlines := reaper.Deadlines{
		Pending:      cfg.PendingDeadline,
		Provisioning: cfg.ProvisioningDeadline,
		Ready:        cfg.ReadyDeadline,
		Active:       cfg.ActiveDeadline,
		Paused:       cfg.PausedDeadline,
	}
	reaper.New(reg, deadlines, cfg.ReaperInterval, logger).Start(ctx)

	logger.Info().Dur("interval", cfg.ReaperInterval).Msg("nimbus-reaper started")
	<-ctx.Done()
	logger.Info().Msg("nimbus-reaper stopping")
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
