// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/ruleflow/transport/aws"
	_ "github.com/drblury/ruleflow/transport/channel"
	_ "github.com/drblury/ruleflow/transport/http"
	_ "github.com/drblury/ruleflow/transport/kafka"
	_ "github.com/drblury/ruleflow/transport/nats"
	_ "github.com/drblury/ruleflow/transport/rabbitmq"
)
