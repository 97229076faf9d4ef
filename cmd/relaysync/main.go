package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := loadConfig(os.Getenv("RELAYSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	hub, err := buildHub(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sync hub")
	}
	server := httpapi.NewServerWithConfig(hub, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		JWTAudience:        cfg.JWTAudience,
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		AllowedOrigins:     cfg.AllowedOrigins,
		Logger:             &logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("relaysync listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-rootCtx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Closing the hub first ends every socket session; Shutdown does not
	// wait for hijacked connections.
	if err := hub.Close(); err != nil {
		logger.Error().Err(err).Msg("hub close failed")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

func buildHub(cfg config, logger *zerolog.Logger) (*collab.Hub, error) {
	backend, err := collab.BuildDocumentBackendFromDSN(cfg.DocumentBackendDSN)
	if err != nil {
		return nil, fmt.Errorf("document backend: %w", err)
	}
	membership, err := buildMembership(cfg)
	if err != nil {
		return nil, fmt.Errorf("membership: %w", err)
	}
	resources, err := collab.BuildResourceResolverFromDSN(cfg.ResourcesDSN)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	return collab.NewHub(collab.HubOptions{
		Membership:          membership,
		DocumentBackend:     backend,
		Resources:           resources,
		StrictVersions:      cfg.StrictVersions,
		MaxDocumentBytes:    cfg.MaxDocumentBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		StalenessMultiplier: cfg.StalenessMultiplier,
		OutboxSize:          cfg.OutboxSize,
		Logger:              logger,
	}), nil
}

func buildMembership(cfg config) (collab.Membership, error) {
	if strings.TrimSpace(cfg.MembershipDSN) != "" {
		return collab.BuildMembershipFromDSN(cfg.MembershipDSN)
	}
	if len(cfg.Members) == 0 {
		return nil, errors.New("either a membership DSN or a static members table is required")
	}
	return collab.NewStaticMembership(cfg.Members), nil
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Str("service", "relaysync").Logger()
}
