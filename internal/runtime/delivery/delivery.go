// Package delivery defines the per-rule queues dispatched records are offered
// to, with an in-memory and a publisher-backed implementation.
package delivery

import (
	"context"

	"github.com/drblury/ruleflow/internal/runtime/record"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

// Offer is one record destined for one rule.
type Offer struct {
	Rule   rules.Rule
	Record *record.Record
}

// Queue accepts offers. An error means the offer was not taken and the source
// record must not be committed.
type Queue interface {
	Offer(ctx context.Context, offer Offer) error
}

// QueueFunc adapts a function to Queue.
type QueueFunc func(ctx context.Context, offer Offer) error

// Offer implements Queue.
func (f QueueFunc) Offer(ctx context.Context, offer Offer) error {
	return f(ctx, offer)
}
