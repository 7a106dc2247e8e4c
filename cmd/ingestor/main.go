// The ingestor consumes traffic-sensor telemetry from a Pub/Sub subscription
// and persists it into the relational District/Signaller/Event hierarchy.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-traffic/pkg/ingestion"
	"github.com/illmade-knight/go-traffic/pkg/messagepipeline"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "traffic-ingestor").Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerCfg, err := messagepipeline.LoadGooglePubsubConsumerConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load consumer config")
	}
	dbCfg, err := trafficstore.LoadDatabaseConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load database config")
	}

	db, err := trafficstore.Open(dbCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}

	client, err := newPubsubClient(ctx, consumerCfg.ProjectID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		}
	}()

	consumer, err := messagepipeline.NewGooglePubsubConsumer(ctx, client, consumerCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub consumer")
	}

	resolver := trafficstore.NewEntityResolver(db, logger)
	writer := trafficstore.NewEventWriter(db, logger)

	numWorkers := 5
	if nw := os.Getenv("INGESTION_NUM_WORKERS"); nw != "" {
		if val, err := strconv.Atoi(nw); err == nil && val > 0 {
			numWorkers = val
		}
	}

	service, err := ingestion.NewService(numWorkers, consumer, resolver, writer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build ingestion service")
	}
	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start ingestion service")
	}
	logger.Info().Str("subscription_id", consumerCfg.SubscriptionID).Msg("Ingestion service running")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, stopping ingestion service...")
	service.Stop()
	logger.Info().Msg("Ingestion service stopped.")
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
