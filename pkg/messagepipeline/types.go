package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-traffic/pkg/types"
)

// ====================================================================================
// This file defines the core interfaces for the generic ingestion pipeline.
// ====================================================================================

// MessageConsumer defines the interface for a message source (e.g., Pub/Sub).
// It is responsible for fetching raw messages from the broker.
type MessageConsumer interface {
	// Messages returns a read-only channel from which raw messages can be consumed.
	Messages() <-chan types.ConsumedMessage
	// Start initiates the consumption of messages.
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption.
	Stop() error
	// Done returns a channel that is closed when the consumer has fully stopped.
	Done() <-chan struct{}
}

// MessageTransformer turns a whole ConsumedMessage into a structured payload
// of type T. It returns the transformed payload, a boolean to indicate that
// the message should be skipped (Acked without handling), and an error if the
// transformation fails (the message is Nacked).
type MessageTransformer[T any] func(msg types.ConsumedMessage) (payload *T, skip bool, err error)

// MessageHandler processes one successfully transformed payload. A non-nil
// error causes the original message to be Nacked so the broker redelivers it.
type MessageHandler[T any] func(ctx context.Context, payload *T) error
