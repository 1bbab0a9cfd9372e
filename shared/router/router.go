// Package router defines the Bus interface — the single boundary between the
// services and the message broker (NATS JetStream).
//
// All services use this interface; none import nats.go directly except the
// implementation in this package. Swapping the broker requires only
// implementing Bus.
//
// Subject conventions:
//
//	frames.ingest    pod sample frames awaiting the recording engine (JetStream)
//	live.<session>   accepted samples fanned out to live viewers (core NATS)
package router

import (
	"context"
	"time"
)

// Message is a received message from the broker.
type Message struct {
	Subject string
	Data    []byte
	// Reply is set for request-reply patterns (rarely used in this system).
	Reply string
}

// PubOptions controls publish behavior.
type PubOptions struct {
	// DeduplicationID enables exactly-once delivery via the JetStream dedup
	// window. Frame intakes set it to "<pod>-<captured_ns>" so a frame posted
	// twice (HTTP retry, gateway replay) is stored once.
	DeduplicationID string
}

// SubOptions controls subscription behavior.
type SubOptions struct {
	// Durable names the consumer for JetStream durable subscriptions
	// (replay-capable). Empty = ephemeral core NATS subscription.
	Durable string
	// AckWait is how long JetStream waits for Ack() before redelivering.
	AckWait time.Duration
}

// Bus is the interface all services use to publish and subscribe.
// Implementations must be goroutine-safe.
type Bus interface {
	// Publish sends a message to a subject. With a DeduplicationID the
	// message goes through JetStream (persisted, deduplicated); without one
	// it is a core NATS publish (no persistence, lowest overhead) — used for
	// the live fan-out.
	Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error

	// Subscribe returns a channel of messages matching the subject pattern.
	// Supports NATS wildcards: live.> (all sessions). The returned channel is
	// closed when ctx is cancelled.
	Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error)

	// EnsureStream creates or updates the JetStream stream covering the given
	// subjects. Called once at service start by whoever owns the stream.
	EnsureStream(ctx context.Context, name string, subjects []string) error

	// Close cleans up the bus's resources.
	Close() error
}
