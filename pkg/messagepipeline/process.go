package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-traffic/pkg/types"
	"github.com/rs/zerolog"
)

// ====================================================================================
// A generic, reusable service for processing messages from any MessageConsumer.
// Each message runs through transform then handle; the outcome decides Ack/Nack.
// ====================================================================================

// ProcessingService orchestrates the pipeline of consuming, transforming, and
// handling messages. Per-message state machine:
//
//	Received -> Transforming -> Handling -> Acked
//	Received -> Transforming|Handling    -> Nacked (failure at either stage)
//
// No failure escapes this layer: the broker's delivery path only ever sees an
// Ack or a Nack, never an error or a panic.
type ProcessingService[T any] struct {
	numWorkers   int
	consumer     MessageConsumer
	transformer  MessageTransformer[T]
	handler      MessageHandler[T]
	logger       zerolog.Logger
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewProcessingService creates a new, generic ProcessingService.
func NewProcessingService[T any](
	numWorkers int,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	handler MessageHandler[T],
	logger zerolog.Logger,
) (*ProcessingService[T], error) {
	if consumer == nil {
		return nil, errors.New("message consumer cannot be nil")
	}
	if transformer == nil {
		return nil, errors.New("message transformer cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}
	if numWorkers <= 0 {
		numWorkers = 5
	}

	return &ProcessingService[T]{
		numWorkers:  numWorkers,
		consumer:    consumer,
		transformer: transformer,
		handler:     handler,
		logger:      logger.With().Str("service", "ProcessingService").Logger(),
	}, nil
}

// Start begins the service operation. It starts the consumer, then spins up a
// pool of workers to process messages concurrently.
func (s *ProcessingService[T]) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting ProcessingService...")
	// The shutdown context is detached from the caller's cancellation:
	// a stop signal must go through Stop() so in-flight handlers finish
	// their writes and acknowledgments instead of being aborted mid-write.
	s.shutdownCtx, s.shutdownFunc = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.consumer.Start(s.shutdownCtx); err != nil {
		s.shutdownFunc()
		return fmt.Errorf("failed to start message consumer: %w", err)
	}
	s.logger.Info().Msg("Message consumer started.")

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting processing workers...")
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return nil
}

// worker is the main loop for each concurrent worker.
func (s *ProcessingService[T]) worker(workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")

	for {
		select {
		case <-s.shutdownCtx.Done():
			s.logger.Info().Int("worker_id", workerID).Msg("Processing worker shutting down.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.processConsumedMessage(msg, workerID)
		}
	}
}

// processConsumedMessage runs one message through transform and handle and
// converts the outcome into exactly one Ack or Nack.
func (s *ProcessingService[T]) processConsumedMessage(msg types.ConsumedMessage, workerID int) {
	// A panicking handler must not take down the worker or leave the message
	// unacknowledged past its deadline.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("msg_id", msg.ID).
				Msg("Handler panicked, Nacking message.")
			msg.Nack()
		}
	}()

	payload, skip, err := s.transformer(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to transform message, Nacking.")
		msg.Nack()
		return
	}
	if skip {
		s.logger.Debug().Str("msg_id", msg.ID).Msg("Transformer signaled to skip message, Acking.")
		msg.Ack()
		return
	}

	if err := s.handler(s.shutdownCtx, payload); err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Int("worker_id", workerID).
			Msg("Failed to handle message, Nacking.")
		msg.Nack()
		return
	}

	s.logger.Debug().Str("msg_id", msg.ID).Msg("Message handled successfully, Acking.")
	msg.Ack()
}

// Stop gracefully shuts down the service: the consumer first, so no new
// messages arrive, then the workers, so in-flight handlers finish their
// writes and acknowledgments rather than being abandoned.
func (s *ProcessingService[T]) Stop() {
	s.logger.Info().Msg("Stopping ProcessingService...")

	if err := s.consumer.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("Error stopping message consumer.")
	}
	<-s.consumer.Done()
	s.logger.Info().Msg("Message consumer stopped.")

	// Workers drain the closed message channel before exiting, so in-flight
	// handlers run to completion with a live context. Only then is the
	// shutdown context released.
	s.wg.Wait()
	if s.shutdownFunc != nil {
		s.shutdownFunc()
	}
	s.logger.Info().Msg("All processing workers completed.")
}
