// Package transport defines the watermill transports ruleflow can pull from
// and deliver to. Each implementation (kafka, rabbitmq, aws, ...) lives in its
// own sub-package and registers a Definition with the registry on import.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher and subscriber pair built for one configuration.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Resolver reports the capabilities of a transport under cfg, for transports
// whose guarantees depend on a mode.
type Resolver func(cfg Config) Capabilities

// Definition is what a transport package registers.
type Definition struct {
	Name  string
	Build Builder
	// Capabilities applies when Resolve is nil.
	Capabilities Capabilities
	Resolve      Resolver
}

func (d Definition) capabilitiesFor(cfg Config) Capabilities {
	if d.Resolve != nil {
		return d.Resolve(cfg)
	}
	caps := d.Capabilities
	if caps.Name == "" {
		caps.Name = d.Name
	}
	return caps
}

// Config is the slice of configuration the transports read.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSJetStream() bool

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
