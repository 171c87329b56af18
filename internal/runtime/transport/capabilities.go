// Package transport builds the watermill transport the service pulls from
// and publishes to when no native broker client is configured.
package transport

import (
	"fmt"

	"github.com/drblury/ruleflow/internal/runtime/config"
	registry "github.com/drblury/ruleflow/transport"
)

// Capabilities is an alias for the registry's Capabilities.
type Capabilities = registry.Capabilities

// For returns the capabilities of the transport conf selects.
func For(conf *config.Config) Capabilities {
	if conf == nil {
		return Capabilities{}
	}
	return registry.CapabilitiesFor(conf)
}

// CheckSource reports why caps cannot serve as a source for at-least-once
// ingestion, or nil when it can. An uncommitted batch must be redelivered.
func CheckSource(caps Capabilities) error {
	switch {
	case caps.Name == "":
		return fmt.Errorf("unknown transport")
	case !caps.SupportsAck:
		return fmt.Errorf("%s does not acknowledge consumed messages", caps.Name)
	case !caps.SupportsNack:
		return fmt.Errorf("%s does not redeliver unacknowledged messages", caps.Name)
	}
	return nil
}
