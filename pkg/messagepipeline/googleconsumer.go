package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-traffic/pkg/types"
	"github.com/rs/zerolog"
)

// GooglePubsubConsumerConfig holds configuration for the Google Pub/Sub consumer.
type GooglePubsubConsumerConfig struct {
	ProjectID              string
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// LoadGooglePubsubConsumerConfigFromEnv loads consumer configuration from environment variables.
func LoadGooglePubsubConsumerConfigFromEnv() (*GooglePubsubConsumerConfig, error) {
	cfg := &GooglePubsubConsumerConfig{
		ProjectID:              os.Getenv("GCP_PROJECT_ID"),
		SubscriptionID:         os.Getenv("PUBSUB_SUBSCRIPTION_ID_TRAFFIC_INPUT"),
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub consumer")
	}
	if cfg.SubscriptionID == "" {
		return nil, errors.New("PUBSUB_SUBSCRIPTION_ID_TRAFFIC_INPUT environment variable not set for Pub/Sub consumer")
	}
	if mo := os.Getenv("PUBSUB_CONSUMER_MAX_OUTSTANDING"); mo != "" {
		if val, err := strconv.Atoi(mo); err == nil && val > 0 {
			cfg.MaxOutstandingMessages = val
		}
	}
	return cfg, nil
}

// GooglePubsubConsumer implements MessageConsumer over a Google Pub/Sub
// subscription. The broker client controls the delivery concurrency via
// ReceiveSettings; this consumer only bridges delivered messages onto a
// channel without blocking the delivery callback on processing.
type GooglePubsubConsumer struct {
	client             *pubsub.Client
	subscription       *pubsub.Subscription
	logger             zerolog.Logger
	outputChan         chan types.ConsumedMessage
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	wg                 sync.WaitGroup
	doneChan           chan struct{}
}

// NewGooglePubsubConsumer creates a consumer over an existing *pubsub.Client.
// The client is injected and its lifetime is owned by the caller; Stop does
// not close it.
func NewGooglePubsubConsumer(ctx context.Context, client *pubsub.Client, cfg *GooglePubsubConsumerConfig, logger zerolog.Logger) (*GooglePubsubConsumer, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for consumer")
	}

	sub := client.Subscription(cfg.SubscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	existsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("subscription.Exists check for %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub subscription %s does not exist in project %s", cfg.SubscriptionID, cfg.ProjectID)
	}

	return &GooglePubsubConsumer{
		client:       client,
		subscription: sub,
		logger:       logger.With().Str("component", "GooglePubsubConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:   make(chan types.ConsumedMessage, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages returns the channel of messages received from the subscription.
func (c *GooglePubsubConsumer) Messages() <-chan types.ConsumedMessage { return c.outputChan }

// Start begins receiving from the subscription in a background goroutine.
func (c *GooglePubsubConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelSubscription = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.outputChan)
		defer c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")

		err := c.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			consumedMsg := types.ConsumedMessage{
				ID:          msg.ID,
				Payload:     payloadCopy,
				PublishTime: msg.PublishTime,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}

			select {
			case c.outputChan <- consumedMsg:
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		close(c.doneChan)
	}()
	return nil
}

// Stop cancels the subscription's receive loop and waits for it to finish.
// Already-dispatched delivery callbacks complete before Done is closed.
func (c *GooglePubsubConsumer) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		if c.cancelSubscription != nil {
			c.cancelSubscription()
		}
		select {
		case <-c.Done():
			c.logger.Info().Msg("Pub/Sub Receive goroutine confirmed stopped.")
		case <-time.After(30 * time.Second):
			c.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
		}
	})
	return nil
}

// Done returns a channel closed once the receive loop has fully stopped.
func (c *GooglePubsubConsumer) Done() <-chan struct{} { return c.doneChan }
