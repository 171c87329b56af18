// Package nats provides the NATS transport. JetStream is used when the
// configuration enables it, NATS Core otherwise.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/ruleflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ConnectionName identifies ruleflow connections on the NATS server.
const ConnectionName = "ruleflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry. Its capabilities
// depend on the JetStream toggle.
func Register() {
	transport.Register(transport.Definition{
		Name:  TransportName,
		Build: Build,
		Resolve: func(cfg transport.Config) transport.Capabilities {
			return Capabilities(cfg.GetNATSJetStream())
		},
	})
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	js := JetStreamConfig(cfg.GetNATSJetStream())
	options := []natsgo.Option{
		natsgo.Name(ConnectionName),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   js,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: ConnectionName,
			SubscribersCount: 1,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     30 * time.Second,
			JetStream:        js,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// JetStreamConfig returns the JetStream settings for the given toggle.
// Streams are provisioned on first use and every message is acked explicitly.
func JetStreamConfig(enabled bool) nats.JetStreamConfig {
	if !enabled {
		return nats.JetStreamConfig{Disabled: true}
	}
	return nats.JetStreamConfig{
		AutoProvision:    true,
		TrackMsgId:       true,
		SubscribeOptions: []natsgo.SubOpt{natsgo.AckExplicit(), natsgo.DeliverAll()},
		DurablePrefix:    ConnectionName,
	}
}

// Capabilities returns the capabilities of this transport for the given
// JetStream toggle.
func Capabilities(jetStream bool) transport.Capabilities {
	if jetStream {
		return transport.NATSJetStreamCapabilities
	}
	return transport.NATSCapabilities
}
