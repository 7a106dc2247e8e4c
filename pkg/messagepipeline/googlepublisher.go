package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// AsyncPublisherConfig holds configuration for the fire-and-forget publisher.
type AsyncPublisherConfig struct {
	ProjectID string
	TopicID   string
	// QueueSize bounds the hand-off channel between callers and the sender
	// goroutine. When the queue is full, Publish drops the payload rather
	// than blocking the caller.
	QueueSize int
}

// LoadAsyncPublisherConfigFromEnv loads publisher configuration from environment variables.
func LoadAsyncPublisherConfigFromEnv() (*AsyncPublisherConfig, error) {
	cfg := &AsyncPublisherConfig{
		ProjectID: os.Getenv("GCP_PROJECT_ID"),
		TopicID:   os.Getenv("PUBSUB_TOPIC_ID_TRAFFIC_OUTPUT"),
		QueueSize: 256,
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub publisher")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("PUBSUB_TOPIC_ID_TRAFFIC_OUTPUT environment variable not set for Pub/Sub publisher")
	}
	if qs := os.Getenv("PUBSUB_PUBLISHER_QUEUE_SIZE"); qs != "" {
		if val, err := strconv.Atoi(qs); err == nil && val > 0 {
			cfg.QueueSize = val
		}
	}
	return cfg, nil
}

// AsyncPublisher is a best-effort, fire-and-forget publisher. Publish hands
// the payload to a bounded queue and returns immediately; a background sender
// publishes to the topic and logs (never surfaces) broker failures. Callers
// must not assume a payload is externally visible when Publish returns.
type AsyncPublisher struct {
	topic    *pubsub.Topic
	logger   zerolog.Logger
	queue    chan []byte
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64

	// mu serializes Publish's enqueue against Stop's close of the queue:
	// the stopped flag and the channel send must be observed atomically or
	// a concurrent Stop can close the channel between them.
	mu      sync.RWMutex
	stopped bool
}

// NewAsyncPublisher creates a publisher over an existing *pubsub.Client.
// The client is injected; Stop flushes the topic but does not close the client.
func NewAsyncPublisher(ctx context.Context, client *pubsub.Client, cfg *AsyncPublisherConfig, logger zerolog.Logger) (*AsyncPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	topic := client.Topic(cfg.TopicID)
	existsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists check for %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist in project %s", cfg.TopicID, cfg.ProjectID)
	}

	return &AsyncPublisher{
		topic:    topic,
		logger:   logger.With().Str("component", "AsyncPublisher").Str("topic_id", cfg.TopicID).Logger(),
		queue:    make(chan []byte, cfg.QueueSize),
		doneChan: make(chan struct{}),
	}, nil
}

// Start launches the background sender goroutine.
func (p *AsyncPublisher) Start() {
	p.logger.Info().Msg("Starting async publisher sender...")
	go p.senderLoop()
}

// Publish enqueues a payload for asynchronous delivery. It never blocks past
// the channel hand-off and never returns an error: when the queue is full the
// payload is dropped and counted.
func (p *AsyncPublisher) Publish(payload []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.logger.Warn().Msg("Publish called after Stop, dropping payload.")
		return
	}
	select {
	case p.queue <- payload:
	default:
		dropped := p.dropped.Add(1)
		p.logger.Warn().Int64("dropped_total", dropped).
			Msg("Publisher queue full, dropping payload.")
	}
}

// Dropped reports how many payloads have been discarded due to queue overflow.
func (p *AsyncPublisher) Dropped() int64 { return p.dropped.Load() }

// senderLoop drains the queue and publishes each payload, checking results
// asynchronously so one slow publish does not stall the queue.
func (p *AsyncPublisher) senderLoop() {
	defer close(p.doneChan)

	for payload := range p.queue {
		res := p.topic.Publish(context.Background(), &pubsub.Message{Data: payload})

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			getCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := res.Get(getCtx); err != nil {
				p.logger.Error().Err(err).Msg("Failed to publish payload, dropping.")
			}
		}()
	}

	p.wg.Wait()
	p.logger.Info().Msg("Async publisher sender loop stopped, flushing topic...")
	p.topic.Stop()
}

// Stop closes the queue, waits for queued payloads to be handed to the broker
// client, and flushes the topic's outstanding messages.
func (p *AsyncPublisher) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping async publisher...")
		// Taking the write lock waits out every Publish holding the read
		// lock, so no sender can be mid-enqueue when the queue closes.
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
		<-p.doneChan
		p.logger.Info().Msg("Async publisher stopped gracefully.")
	})
}
