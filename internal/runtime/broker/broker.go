// Package broker defines the pull-consumer capability the service loop and
// the subscription manager depend on. Implementations live in sub-packages.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/ruleflow/internal/runtime/record"
)

// RawMessage is a message as returned by Poll.
type RawMessage = record.RawMessage

// ErrClosed is returned by clients that have been closed.
var ErrClosed = errors.New("ruleflow: broker client closed")

// Client is a pull consumer whose topic set can change at runtime.
//
// Poll returns an empty slice, not an error, when nothing arrived within
// timeout. Subscribe and Unsubscribe are idempotent. Commit acknowledges the
// given records so they are not redelivered. Clients with ordered offsets
// never commit past a polled record that has not been committed itself.
type Client interface {
	Poll(ctx context.Context, timeout time.Duration) ([]RawMessage, error)
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Commit(ctx context.Context, records []*record.Record) error
}

// Closer is implemented by clients that hold connections.
type Closer interface {
	Close() error
}

// Rewinder is implemented by clients that can hand records out again before
// a restart. Rewound records and, for offset-ordered clients, everything
// polled after them on the same partition are returned by a later Poll.
type Rewinder interface {
	Rewind(ctx context.Context, records []*record.Record) error
}

// Rewind rewinds records on c. It reports false when c cannot rewind, in
// which case the records are redelivered only after a restart.
func Rewind(ctx context.Context, c Client, records []*record.Record) (bool, error) {
	r, ok := c.(Rewinder)
	if !ok || len(records) == 0 {
		return ok, nil
	}
	return true, r.Rewind(ctx, records)
}

// Close closes c when it implements Closer.
func Close(c Client) error {
	if closer, ok := c.(Closer); ok {
		return closer.Close()
	}
	return nil
}
