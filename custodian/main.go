// Package main implements the nostr key custodian daemon. It holds the
// user's signing identities, mediates page requests against a
// per-host permission policy, and drives the prompt and PIN-entry
// windows shown by the UI shell.
//
// SECURITY: pages never see key material. Every operation that touches
// the private key runs here, behind the permission check and, when
// enabled, the PIN vault.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nostrium/custodian/custodian/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/custodian/custodian.yaml", "Path to configuration file")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	storagePath := flag.String("storage", "", "Path to the storage database (overrides config)")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Nostr key custodian starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open storage")
	}
	defer store.Close()

	profiles := NewProfileStore(store)
	pinCache := NewPinCache(time.Duration(cfg.PIN.CacheDurationMs) * time.Millisecond)
	secrets := NewSecretCache(cfg.SecretCacheSize)

	// Any change of the active signing key invalidates everything derived
	// from or guarding the old one.
	profiles.OnKeyChange(func() {
		secrets.Bump()
		pinCache.Clear()
	})

	metrics := NewMetrics()
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Metrics endpoint listening")
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	conn, err := ConnectNATS(cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
	}

	windows := NewNATSWindowOpener(conn)
	prompts := NewPromptCoordinator(windows, profiles, store, metrics)
	pins := NewPINHandler(profiles, pinCache, windows, metrics)
	limiter := NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 0)
	mediator := NewRequestMediator(profiles, prompts, pins, pinCache, secrets, limiter, metrics)

	transport := NewTransport(conn, mediator, prompts, pins, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start transport")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	transport.Stop()
	pinCache.Clear()

	log.Info().Msg("Custodian shutdown complete")
}
