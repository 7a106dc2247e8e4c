// The api binary serves the traffic event REST endpoints: event writes that
// persist and then publish fire-and-forget, a publish-only path, and a cached
// newest-first listing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-traffic/pkg/api"
	"github.com/illmade-knight/go-traffic/pkg/messagepipeline"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "traffic-api").Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisherCfg, err := messagepipeline.LoadAsyncPublisherConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load publisher config")
	}
	dbCfg, err := trafficstore.LoadDatabaseConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load database config")
	}

	db, err := trafficstore.Open(dbCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}

	client, err := newPubsubClient(ctx, publisherCfg.ProjectID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		}
	}()

	publisher, err := messagepipeline.NewAsyncPublisher(ctx, client, publisherCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create async publisher")
	}
	publisher.Start()

	// The cache is optional: without REDIS_ADDR the listing endpoint reads
	// straight from the database.
	var cache *api.CacheService
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cache, err = api.NewCacheService(ctx, api.CacheConfig{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, continuing without cache")
			cache = nil
		}
	}

	resolver := trafficstore.NewEntityResolver(db, logger)
	writer := trafficstore.NewEventWriter(db, logger)
	handler := api.NewEventHandler(db, resolver, writer, publisher, cache, logger)
	router := api.NewRouter(handler, logger)

	port := 8080
	if p := os.Getenv("SERVER_PORT"); p != "" {
		if val, err := strconv.Atoi(p); err == nil {
			port = val
		}
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, stopping API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	publisher.Stop()
	if err := cache.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing cache")
	}
	logger.Info().Msg("API server stopped.")
}

// newPubsubClient builds the process-wide Pub/Sub client, honoring the
// emulator host and credentials file environment settings.
func newPubsubClient(ctx context.Context, projectID string, logger zerolog.Logger) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if emulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST"); emulatorHost != "" {
		logger.Info().Str("emulator_host", emulatorHost).Msg("Using Pub/Sub emulator")
		opts = append(opts, option.WithEndpoint(emulatorHost), option.WithoutAuthentication())
	} else if credentialsFile := os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return pubsub.NewClient(ctx, projectID, opts...)
}
