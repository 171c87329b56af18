/*
Package runtime hosts the rule dispatch service.

# Package Structure

## Core Service (service.go)

Service wires the collaborators together and owns the poll loop:
  - broker client (broker/kafka, broker/pull over a watermill subscriber, broker/memory)
  - delivery queue (delivery.PublisherQueue on the configured transport, or any delivery.Queue)
  - chain registry (chain) and subscription manager (subscription)
  - dispatch engine (dispatch) running one job per (record, rule)
  - HTTP servers for metrics and the status API

Bootstrap is all or nothing: a rule set that does not compile or a topic that
cannot be subscribed fails NewService and releases what was built.

## Rule Changes (coordinator.go)

Coordinator serialises rule-set changes. ADD and UPDATE compile the chains
before touching subscriptions, so a broken set is rejected as a whole. Rules no
longer referenced by any set are evicted after the subscriptions follow.

## Status (status.go, resources.go)

GET /api/status returns the rule table, the subscribed and wanted topics, the
worker pool, dispatch counters and process resource usage.

# Lifecycle

	Ready -> Running -> Stopping -> Stopped

Stop ends polling, drains queued jobs within Config.DrainTimeout, then closes
the subscriptions, the broker and the delivery queue. Batches that did not
finish are left uncommitted and are delivered again by the broker.
*/
package runtime
