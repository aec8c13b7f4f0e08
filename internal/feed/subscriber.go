// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package feed

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
)

// Subscriber consumes the presence stream and hands decoded events to
// the reconciliation engine. Undecodable payloads and connection
// interruptions do not surface as events; they surface as a drop signal,
// because either one means the local view may have missed a change.
type Subscriber struct {
	subscriber message.Subscriber
	topic      string
	events     chan models.ChangeEvent
	drops      chan struct{}
}

// NewSubscriber creates a durable JetStream subscriber bound to the
// presence stream.
func NewSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (*Subscriber, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = NewWatermillLogger()
	}

	s := &Subscriber{
		topic:  models.FeedSubjectWildcard,
		events: make(chan models.ChangeEvent, cfg.Buffer),
		drops:  make(chan struct{}, 1),
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("feed subscriber disconnected", err, nil)
				s.signalDrop("disconnect")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("feed subscriber reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
			// Events published while the connection was down may or may
			// not be redelivered depending on how long the outage lasted.
			// Treat every reconnect as a potential hole.
			s.signalDrop("reconnect")
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(3),
		natsgo.AckWait(cfg.AckWaitTimeout),
		natsgo.DeliverNew(),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:            cfg.URL,
		AckWaitTimeout: cfg.AckWaitTimeout,
		CloseTimeout:   cfg.CloseTimeout,
		NatsOptions:    natsOpts,
		Unmarshaler:    &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("feed: create subscriber: %w", err)
	}
	s.subscriber = sub
	return s, nil
}

// newSubscriberFromWatermill wires an arbitrary watermill subscriber.
// Used by tests with an in-process pubsub.
func newSubscriberFromWatermill(sub message.Subscriber, topic string, buffer int) *Subscriber {
	return &Subscriber{
		subscriber: sub,
		topic:      topic,
		events:     make(chan models.ChangeEvent, buffer),
		drops:      make(chan struct{}, 1),
	}
}

// Events returns the decoded change event stream.
func (s *Subscriber) Events() <-chan models.ChangeEvent {
	return s.events
}

// Drops returns the drop signal channel. The channel holds at most one
// pending signal; coalescing is fine because one resnapshot heals any
// number of missed events.
func (s *Subscriber) Drops() <-chan struct{} {
	return s.drops
}

// Serve implements suture.Service. It consumes messages until ctx is
// cancelled.
func (s *Subscriber) Serve(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", s.topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *message.Message) {
	event, err := models.DecodeChangeEvent(msg.Payload)
	if err != nil {
		// A payload this process cannot understand likely means a newer
		// schema is in play. Ack it (redelivery cannot help) and fall
		// back to a snapshot.
		metrics.FeedDecodeFailures.Inc()
		logging.Err(err).Str("message_uuid", msg.UUID).Msg("undecodable feed payload")
		s.signalDrop("decode_failure")
		msg.Ack()
		return
	}

	metrics.FeedEventsReceived.WithLabelValues(string(event.Op)).Inc()
	select {
	case s.events <- *event:
		msg.Ack()
	case <-ctx.Done():
		msg.Nack()
	}
}

func (s *Subscriber) signalDrop(reason string) {
	metrics.FeedDrops.Inc()
	logging.Warn().Str("reason", reason).Msg("feed continuity drop")
	select {
	case s.drops <- struct{}{}:
	default:
	}
}

// Close gracefully shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
