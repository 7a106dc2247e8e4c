// Package ingestion wires the telemetry decoder, the entity resolver, and the
// event writer into a message pipeline: each inbound broker message is
// decoded, its signaller hierarchy resolved or created, and the resulting
// event and notification persisted atomically. Full success Acks the message;
// a failure at any stage Nacks it so the broker redelivers later.
package ingestion

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-traffic/pkg/messagepipeline"
	"github.com/illmade-knight/go-traffic/pkg/telemetry"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/rs/zerolog"
)

// Service runs the traffic ingestion pipeline over a message consumer.
type Service struct {
	pipeline *messagepipeline.ProcessingService[telemetry.TrafficReport]
	logger   zerolog.Logger
}

// NewService builds the ingestion pipeline. The consumer is injected so the
// same service runs against Google Pub/Sub in production and mocks in tests.
func NewService(
	numWorkers int,
	consumer messagepipeline.MessageConsumer,
	resolver *trafficstore.EntityResolver,
	writer *trafficstore.EventWriter,
	logger zerolog.Logger,
) (*Service, error) {
	serviceLogger := logger.With().Str("service", "TrafficIngestion").Logger()

	handler := func(ctx context.Context, report *telemetry.TrafficReport) error {
		signaller, err := resolver.Resolve(ctx, report.CityName, report.DistrictName, report.RoadName)
		if err != nil {
			return fmt.Errorf("resolve signaller %s/%s %s: %w",
				report.CityName, report.DistrictName, report.RoadName, err)
		}

		event, err := writer.Write(ctx, signaller, report.AverageKMH, report.KnownReason, report.ExpectedResolutionTime)
		if err != nil {
			return fmt.Errorf("write event for signaller %s/%s %s: %w",
				report.CityName, report.DistrictName, report.RoadName, err)
		}

		serviceLogger.Info().
			Str("city", report.CityName).
			Str("district", report.DistrictName).
			Str("road", report.RoadName).
			Uint("event_id", event.ID).
			Int("average_kmh", event.AverageKMH).
			Msg("Persisted traffic event")
		return nil
	}

	pipeline, err := messagepipeline.NewProcessingService(
		numWorkers, consumer, telemetry.ConsumedMessageTransformer, handler, serviceLogger)
	if err != nil {
		return nil, fmt.Errorf("build ingestion pipeline: %w", err)
	}

	return &Service{pipeline: pipeline, logger: serviceLogger}, nil
}

// Start begins consuming and processing messages.
func (s *Service) Start(ctx context.Context) error {
	return s.pipeline.Start(ctx)
}

// Stop shuts the pipeline down, letting in-flight messages finish before the
// subscription is released.
func (s *Service) Stop() {
	s.pipeline.Stop()
}
