// Package ruleflow ingests records from a message broker, routes every record
// through the transform chain of each configured rule and offers the results
// to per-rule delivery queues.
//
// A rule is an immutable set of key/value pairs. "topic" names the source
// topics, "target" the delivery topic (the rule set name by default) and
// "transforms" the ordered step names whose parameters live under
// "transforms.<step>.<param>". Rules are grouped in named rule sets that can
// be added, updated or deleted while the service runs, either through
// Service.OnRuleChanged or by editing the watched rules file.
//
// Service owns the poll loop: it pulls batches from the broker (a franz-go
// Kafka consumer, any watermill subscriber, or the in-memory broker), hands
// them to a bounded worker pool and commits a batch only once every offer of
// every record in it was accepted. Offers are published through the watermill
// transport selected by Config.PubSubSystem unless a custom Queue is given.
//
// # Transports
//
// ruleflow ships six watermill transports:
//   - channel: In-memory Go channels for testing
//   - kafka: Consumer groups on sarama
//   - rabbitmq: AMQP durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: NATS Core, or JetStream when Config.NATSJetStream is set
//   - http: Webhook style publishing and an HTTP subscriber
//
// # Transforms
//
// Built-in steps (filter, extension-filter, set, extract, add-extension,
// rename-extension) are registered by the transform package. Custom steps are
// added with RegisterStep or through ServiceDependencies.Steps.
//
// # Observability
//
// JobHooks observe every (record, rule) job. Prometheus collectors cover
// records, offers, drops and failures per topic and target; the status API
// serves the live rule table, subscriptions and worker pool state.
package ruleflow
