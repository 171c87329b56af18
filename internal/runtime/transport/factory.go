package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/ruleflow/internal/runtime/config"
	"github.com/drblury/ruleflow/internal/runtime/errors"
	registry "github.com/drblury/ruleflow/transport"

	// Registers the built-in transports.
	_ "github.com/drblury/ruleflow/transport/transports"
)

// Transport is the publisher and subscriber pair a factory builds.
type Transport = registry.Transport

// Factory abstracts how the service initialises its watermill transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the default transport registry.
func DefaultFactory() Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
		if conf == nil {
			return Transport{}, errors.ErrConfigRequired
		}
		return registry.Build(ctx, conf, logger)
	})
}
