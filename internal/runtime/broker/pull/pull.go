// Package pull adapts a push-style watermill subscriber to the pull broker
// capability. Offsets are per-topic sequence numbers assigned on arrival.
package pull

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/metadata"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

const (
	defaultBufferSize = 64
	defaultBatchSize  = 32
)

// Config tunes the adapter.
type Config struct {
	// NodeID is reported as the node of every message, usually the transport name.
	NodeID string
	// BufferSize bounds messages received but not yet polled, across topics.
	BufferSize int
	// BatchSize caps a single Poll.
	BatchSize int
}

type subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	seq     int64
	pending map[int64]*message.Message
}

type delivery struct {
	sub *subscription
	raw broker.RawMessage
}

// Adapter is a broker.Client on top of a message.Subscriber. A message is
// acked on Commit and nacked on Rewind or when its topic is unsubscribed
// first. A nacked message comes back under a new offset.
type Adapter struct {
	sub       message.Subscriber
	nodeID    string
	batchSize int
	log       logging.ServiceLogger
	buffer    chan delivery

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*subscription
	closed bool
}

// New wraps sub. The adapter owns sub and closes it on Close.
func New(sub message.Subscriber, cfg Config, logger logging.ServiceLogger) (*Adapter, error) {
	if sub == nil {
		return nil, errors.New("ruleflow: subscriber is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	base, cancel := context.WithCancel(context.Background())
	return &Adapter{
		sub:       sub,
		nodeID:    cfg.NodeID,
		batchSize: cfg.BatchSize,
		log:       logging.Component(logger, "broker.pull"),
		buffer:    make(chan delivery, cfg.BufferSize),
		base:      base,
		cancel:    cancel,
		topics:    make(map[string]*subscription),
	}, nil
}

// Subscribe implements broker.Client.
func (a *Adapter) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return broker.ErrClosed
	}
	if _, ok := a.topics[topic]; ok {
		return nil
	}

	subCtx, cancel := context.WithCancel(a.base)
	msgs, err := a.sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return err
	}
	s := &subscription{
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[int64]*message.Message),
	}
	a.topics[topic] = s
	go a.pump(subCtx, topic, s, msgs)

	a.log.Debug("Subscribed", logging.LogFields{"topic": topic})
	return nil
}

func (a *Adapter) pump(ctx context.Context, topic string, s *subscription, msgs <-chan *message.Message) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			a.mu.Lock()
			offset := s.seq
			s.seq++
			s.pending[offset] = msg
			a.mu.Unlock()

			d := delivery{sub: s, raw: broker.RawMessage{
				Topic:      topic,
				NodeID:     a.nodeID,
				Offset:     offset,
				Body:       msg.Payload,
				Properties: metadata.FromMessage(msg),
			}}
			select {
			case a.buffer <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Poll implements broker.Client.
func (a *Adapter) Poll(ctx context.Context, timeout time.Duration) ([]broker.RawMessage, error) {
	if a.isClosed() {
		return nil, broker.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := []broker.RawMessage{}
	for len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.base.Done():
			return nil, broker.ErrClosed
		case <-timer.C:
			return out, nil
		case d := <-a.buffer:
			out = a.appendLive(out, d)
		}
	}
	for len(out) < a.batchSize {
		select {
		case d := <-a.buffer:
			out = a.appendLive(out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

// appendLive skips deliveries whose subscription ended after they were buffered.
func (a *Adapter) appendLive(out []broker.RawMessage, d delivery) []broker.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topics[d.raw.Topic] != d.sub {
		return out
	}
	return append(out, d.raw)
}

// Unsubscribe implements broker.Client. Messages not yet committed are nacked.
func (a *Adapter) Unsubscribe(_ context.Context, topic string) error {
	a.mu.Lock()
	s, ok := a.topics[topic]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.topics, topic)
	a.mu.Unlock()

	s.cancel()
	<-s.done
	a.nackAll(s)

	a.log.Debug("Unsubscribed", logging.LogFields{"topic": topic})
	return nil
}

func (a *Adapter) nackAll(s *subscription) {
	a.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*message.Message)
	a.mu.Unlock()
	for _, msg := range pending {
		msg.Nack()
	}
}

// Commit implements broker.Client.
func (a *Adapter) Commit(_ context.Context, records []*record.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var missing int
	for _, rec := range records {
		s, ok := a.topics[rec.Partition.Topic]
		if !ok {
			missing++
			continue
		}
		msg, ok := s.pending[rec.Offset.NumericOffset]
		if !ok {
			missing++
			continue
		}
		delete(s.pending, rec.Offset.NumericOffset)
		msg.Ack()
	}
	if missing > 0 {
		a.log.Debug("Commit skipped unknown records", logging.LogFields{"count": missing})
	}
	return nil
}

// Rewind implements broker.Rewinder by nacking the pending messages of
// records. Acks are per message, so other pending messages are unaffected.
func (a *Adapter) Rewind(_ context.Context, records []*record.Record) error {
	a.mu.Lock()
	var nacks []*message.Message
	for _, rec := range records {
		s, ok := a.topics[rec.Partition.Topic]
		if !ok {
			continue
		}
		if msg, ok := s.pending[rec.Offset.NumericOffset]; ok {
			delete(s.pending, rec.Offset.NumericOffset)
			nacks = append(nacks, msg)
		}
	}
	a.mu.Unlock()

	for _, msg := range nacks {
		msg.Nack()
	}
	if len(nacks) > 0 {
		a.log.Debug("Nacked records for redelivery", logging.LogFields{"count": len(nacks)})
	}
	return nil
}

// Topics returns the sorted set of subscribed topics.
func (a *Adapter) Topics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.topics))
}

// Pending returns the number of delivered but uncommitted messages of topic.
func (a *Adapter) Pending(topic string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.topics[topic]; ok {
		return len(s.pending)
	}
	return 0
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close ends every subscription, nacks uncommitted messages and closes the
// underlying subscriber.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := slices.Collect(maps.Values(a.topics))
	a.topics = make(map[string]*subscription)
	a.mu.Unlock()

	a.cancel()
	for _, s := range subs {
		<-s.done
		a.nackAll(s)
	}
	return a.sub.Close()
}

var _ broker.Client = (*Adapter)(nil)
var _ broker.Closer = (*Adapter)(nil)
var _ broker.Rewinder = (*Adapter)(nil)
