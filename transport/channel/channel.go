// Package channel provides an in-process transport on watermill's gochannel.
// Publisher and subscriber share one pub/sub, so delivered records can be
// ingested again by the same process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ruleflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// BufferSize bounds the output channel of each subscription.
const BufferSize = 256

// Factory creates the shared pub/sub.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.Register(transport.Definition{
		Name:         TransportName,
		Build:        Build,
		Capabilities: transport.ChannelCapabilities,
	})
}

// Config is the gochannel configuration Build uses.
func Config() gochannel.Config {
	return gochannel.Config{OutputChannelBuffer: BufferSize}
}

// Build creates the in-process pub/sub.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Config(), logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
