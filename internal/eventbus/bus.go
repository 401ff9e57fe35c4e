// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/poll"
)

// Topics, one per lifecycle transition. NATS subjects use dots, so the event
// type's colon is mapped here rather than reused verbatim.
const (
	TopicSessionStarted = "sessions.started"
	TopicSessionUpdated = "sessions.updated"
	TopicSessionStopped = "sessions.stopped"
)

func topicFor(eventType string) (string, error) {
	switch eventType {
	case poll.EventSessionStarted:
		return TopicSessionStarted, nil
	case poll.EventSessionUpdated:
		return TopicSessionUpdated, nil
	case poll.EventSessionStopped:
		return TopicSessionStopped, nil
	default:
		return "", fmt.Errorf("unknown event type: %q", eventType)
	}
}

// Bus wraps a Watermill publisher with circuit breaker protection. It
// implements poll.Publisher.
type Bus struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	embedded  *EmbeddedServer

	mu     sync.RWMutex
	closed bool
}

// New builds a bus for the configured transport. With the NATS transport and
// Embedded set, an in-process JetStream server is started first and the
// publisher dials it.
func New(cfg Config) (*Bus, error) {
	logger := NewLoggerAdapter()

	var embedded *EmbeddedServer
	url := cfg.NATS.URL

	var publisher message.Publisher
	switch cfg.Transport {
	case TransportNATS:
		if cfg.NATS.Embedded {
			srv, err := NewEmbeddedServer(cfg.NATS)
			if err != nil {
				return nil, err
			}
			embedded = srv
			url = srv.ClientURL()
		}
		pub, err := newNATSPublisher(cfg.NATS, url, logger)
		if err != nil {
			if embedded != nil {
				_ = embedded.Shutdown(context.Background())
			}
			return nil, err
		}
		publisher = pub
	case TransportGoChannel, "":
		publisher = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown event bus transport: %q", cfg.Transport)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: "eventbus-publish",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event bus circuit breaker state change")
		},
	})

	return &Bus{
		publisher: publisher,
		breaker:   breaker,
		embedded:  embedded,
	}, nil
}

func newNATSPublisher(cfg NATSConfig, url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return pub, nil
}

// Publish serializes and broadcasts a lifecycle event. The event ID doubles
// as the message UUID so JetStream deduplication keys on it.
func (b *Bus) Publish(ctx context.Context, event *poll.SessionEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	topic, err := topicFor(event.Type)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(event.EventID, data)
	msg.Metadata.Set("event_type", event.Type)
	if event.Session != nil {
		msg.Metadata.Set("server_id", event.Session.ServerID)
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscriber returns a subscriber for the in-process transport, or nil when
// running over NATS (external consumers subscribe through their own
// connections).
func (b *Bus) Subscriber() message.Subscriber {
	if sub, ok := b.publisher.(message.Subscriber); ok {
		return sub
	}
	return nil
}

// Close shuts down the publisher and any embedded server.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.publisher.Close()
	if b.embedded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := b.embedded.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}
	return err
}
