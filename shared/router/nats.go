package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus implements Bus backed by NATS JetStream.
type NATSBus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSBus connects to NATS and returns a NATSBus.
// url: NATS connection URL, e.g., "nats://127.0.0.1:4222"
// name: client name shown in NATS monitoring (e.g., "record-ingest")
func NewNATSBus(url, name string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1), // reconnect forever
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream init: %w", err)
	}

	return &NATSBus{nc: nc, js: js}, nil
}

// EnsureStream creates or updates a file-backed JetStream stream. The dedup
// window must comfortably cover HTTP intake retries plus gateway replays.
func (b *NATSBus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Publish sends to the NATS subject.
// With a DeduplicationID, uses JetStream PublishMsg with a Nats-Msg-Id header.
// Otherwise uses core NATS publish (no persistence, lowest overhead).
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error {
	var opt PubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	if opt.DeduplicationID != "" {
		msg := &nats.Msg{
			Subject: subject,
			Data:    data,
			Header:  make(nats.Header),
		}
		msg.Header.Set("Nats-Msg-Id", opt.DeduplicationID)

		_, err := b.js.PublishMsg(ctx, msg)
		return err
	}

	// Core NATS publish — used for the high-frequency live fan-out
	return b.nc.Publish(subject, data)
}

// Subscribe returns a channel of messages on the given subject.
// For JetStream subjects (Durable set), creates a durable consumer.
// For core NATS (Durable empty), creates a standard subscription.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error) {
	var opt SubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	ch := make(chan *Message, 256)

	if opt.Durable != "" {
		consumerCfg := jetstream.ConsumerConfig{
			Durable:       opt.Durable,
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       coalesce(opt.AckWait, 30*time.Second),
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		}

		// Stream name is inferred from the subject (first token before the dot)
		consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamNameFromSubject(subject), consumerCfg)
		if err != nil {
			return nil, fmt.Errorf("create JetStream consumer %s: %w", opt.Durable, err)
		}

		go func() {
			defer close(ch)
			iter, err := consumer.Messages()
			if err != nil {
				return
			}
			defer iter.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				default:
					msg, err := iter.Next()
					if err != nil {
						return
					}
					msg.Ack()
					select {
					case ch <- &Message{Subject: msg.Subject(), Data: msg.Data()}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	} else {
		sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			select {
			case ch <- &Message{Subject: msg.Subject, Data: msg.Data, Reply: msg.Reply}:
			default:
				// Channel full — drop message (backpressure on slow viewers)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}

		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
			close(ch)
		}()
	}

	return ch, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

func coalesce(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// streamNameFromSubject returns the JetStream stream name for a subject.
// Convention: stream name = first segment, upper-cased.
// "frames.ingest" → "FRAMES"
func streamNameFromSubject(subject string) string {
	if i := strings.IndexByte(subject, '.'); i >= 0 {
		subject = subject[:i]
	}
	return strings.ToUpper(subject)
}

var _ Bus = (*NATSBus)(nil)
