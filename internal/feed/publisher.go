// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
)

// Publisher sends change events to the presence stream. It implements
// store.ChangePublisher and sets Nats-Msg-Id from the event ID so a
// retried publish after an ambiguous failure deduplicates server-side.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher creates a JetStream publisher with reconnect handling.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("feed publisher disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("feed publisher reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by StreamManager
			TrackMsgId:    cfg.TrackMsgID,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("feed: create publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "feed-publisher",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Publisher{publisher: pub, breaker: breaker}, nil
}

// newPublisherFromWatermill wires an arbitrary watermill publisher.
// Used by tests with an in-process pubsub.
func newPublisherFromWatermill(pub message.Publisher) *Publisher {
	return &Publisher{publisher: pub}
}

// PublishChange implements store.ChangePublisher.
func (p *Publisher) PublishChange(_ context.Context, event models.ChangeEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("feed: publisher is closed")
	}
	p.mu.RUnlock()

	data, err := models.EncodeChangeEvent(&event)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}

	msg := message.NewMessage(event.EventID, data)
	msg.Metadata.Set("op", string(event.Op))
	msg.Metadata.Set("user_id", event.UserID)
	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, event.EventID)
	}

	topic := event.Topic()
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(topic, msg)
		})
	} else {
		err = p.publisher.Publish(topic, msg)
	}
	if err != nil {
		return fmt.Errorf("feed: publish %s: %w", event.EventID, err)
	}

	metrics.FeedEventsPublished.WithLabelValues(string(event.Op)).Inc()
	return nil
}

// Close gracefully shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
