// The gateway daemon: admits producer signals over NATS and REST, drives
// them through risk sizing and broker execution, and records every decision
// as a hash-chained audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to the gateway config file")
	validate := flag.Bool("validate", false, "Validate configuration and connectivity, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if *validate {
		os.Exit(runStartupValidation(ctx, cfg))
	}

	log.Info().
		Str("name", cfg.App.Name).
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Str("broker_mode", cfg.Broker.Mode).
		Msg("Starting signal execution gateway")

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble gateway")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := gw.run(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Gateway error")
	}

	log.Info().Msg("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during gateway shutdown")
		os.Exit(1)
	}

	log.Info().Msg("Gateway shutdown complete")
}

// runStartupValidation probes the configured backing services and reports
// whether the gateway could start. Exit code 0 means everything answered.
func runStartupValidation(ctx context.Context, cfg *config.Config) int {
	validator := config.NewValidator(cfg, config.DefaultValidatorOptions())

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := validator.ValidateStartup(probeCtx); err != nil {
		log.Error().Err(err).Msg("Startup validation failed")
		return 1
	}

	log.Info().Msg("Startup validation passed")
	return 0
}
