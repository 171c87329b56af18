// Package memory provides an in-process broker client for tests and
// examples. Every topic is a single partition.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

// NodeID is reported as the node of every message.
const NodeID = "memory"

const defaultBatchSize = 32

type topicLog struct {
	messages  []broker.RawMessage
	next      int64
	committed int64
	// acked holds committed offsets above the committed watermark.
	acked map[int64]struct{}
}

// Broker stores published messages per topic and serves them to Poll for
// subscribed topics only. Messages handed out but never committed are served
// again after Redeliver or Rewind. The committed offset of a topic only moves
// over a contiguous run of committed messages.
type Broker struct {
	mu         sync.Mutex
	topics     map[string]*topicLog
	subscribed map[string]struct{}
	notify     chan struct{}
	batchSize  int
	closed     bool

	failSubscribe   map[string]error
	failUnsubscribe map[string]error
	failPoll        error
	failCommit      error

	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
	commits          [][]*record.Record
	rewinds          int
}

// Option configures a Broker.
type Option func(*Broker)

// WithBatchSize caps the number of messages a single Poll returns.
func WithBatchSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:           make(map[string]*topicLog),
		subscribed:       make(map[string]struct{}),
		notify:           make(chan struct{}),
		batchSize:        defaultBatchSize,
		failSubscribe:    make(map[string]error),
		failUnsubscribe:  make(map[string]error),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends a message to topic and returns its offset.
func (b *Broker) Publish(topic string, body []byte, properties map[string]string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.topicLocked(topic)
	offset := int64(len(log.messages))
	log.messages = append(log.messages, broker.RawMessage{
		Topic:      topic,
		NodeID:     NodeID,
		Offset:     offset,
		Body:       body,
		Properties: maps.Clone(properties),
	})
	b.wakeLocked()
	return offset
}

func (b *Broker) topicLocked(topic string) *topicLog {
	log, ok := b.topics[topic]
	if !ok {
		log = &topicLog{acked: make(map[int64]struct{})}
		b.topics[topic] = log
	}
	return log
}

func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Poll implements broker.Client.
func (b *Broker) Poll(ctx context.Context, timeout time.Duration) ([]broker.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		if err := b.failPoll; err != nil {
			b.mu.Unlock()
			return nil, err
		}
		out := b.takeLocked()
		notify := b.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return []broker.RawMessage{}, nil
		case <-notify:
		}
	}
}

func (b *Broker) takeLocked() []broker.RawMessage {
	var out []broker.RawMessage
	for _, topic := range slices.Sorted(maps.Keys(b.subscribed)) {
		log := b.topicLocked(topic)
		for log.next < int64(len(log.messages)) && len(out) < b.batchSize {
			out = append(out, log.messages[log.next])
			log.next++
		}
	}
	return out
}

// Subscribe implements broker.Client.
func (b *Broker) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeCalls[topic]++
	if err := b.failSubscribe[topic]; err != nil {
		return err
	}
	b.subscribed[topic] = struct{}{}
	b.topicLocked(topic)
	b.wakeLocked()
	return nil
}

// Unsubscribe implements broker.Client. Uncommitted messages of the topic are
// served again on a later Subscribe.
func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeCalls[topic]++
	if err := b.failUnsubscribe[topic]; err != nil {
		return err
	}
	delete(b.subscribed, topic)
	if log, ok := b.topics[topic]; ok {
		log.next = log.committed
	}
	return nil
}

// Commit implements broker.Client.
func (b *Broker) Commit(_ context.Context, records []*record.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCommit != nil {
		return b.failCommit
	}
	for _, rec := range records {
		log := b.topicLocked(rec.Partition.Topic)
		if off := rec.Offset.NumericOffset; off >= log.committed {
			log.acked[off] = struct{}{}
		}
		for {
			if _, ok := log.acked[log.committed]; !ok {
				break
			}
			delete(log.acked, log.committed)
			log.committed++
		}
	}
	b.commits = append(b.commits, slices.Clone(records))
	return nil
}

// Rewind implements broker.Rewinder. Each topic is served again from its
// lowest rewound offset.
func (b *Broker) Rewind(_ context.Context, records []*record.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		log, ok := b.topics[rec.Partition.Topic]
		if !ok {
			continue
		}
		off := max(rec.Offset.NumericOffset, log.committed)
		if off < log.next {
			log.next = off
		}
	}
	b.rewinds++
	b.wakeLocked()
	return nil
}

// Close makes every later call to Poll fail with broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wakeLocked()
	}
	return nil
}

// Redeliver rewinds every topic to its committed offset.
func (b *Broker) Redeliver() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, log := range b.topics {
		log.next = log.committed
	}
	b.wakeLocked()
}

// FailSubscribe makes Subscribe(topic) return err. A nil err clears it.
func (b *Broker) FailSubscribe(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failSubscribe, topic)
		return
	}
	b.failSubscribe[topic] = err
}

// FailUnsubscribe makes Unsubscribe(topic) return err. A nil err clears it.
func (b *Broker) FailUnsubscribe(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failUnsubscribe, topic)
		return
	}
	b.failUnsubscribe[topic] = err
}

// FailPoll makes Poll return err until cleared with nil.
func (b *Broker) FailPoll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPoll = err
	b.wakeLocked()
}

// FailCommit makes Commit return err until cleared with nil.
func (b *Broker) FailCommit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCommit = err
}

// Subscribed returns the sorted set of subscribed topics.
func (b *Broker) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.subscribed))
}

// IsSubscribed reports whether topic is subscribed.
func (b *Broker) IsSubscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[topic]
	return ok
}

// SubscribeCalls returns how often Subscribe was called for topic.
func (b *Broker) SubscribeCalls(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCalls[topic]
}

// UnsubscribeCalls returns how often Unsubscribe was called for topic.
func (b *Broker) UnsubscribeCalls(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeCalls[topic]
}

// Committed returns the next uncommitted offset of topic.
func (b *Broker) Committed(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.topics[topic]; ok {
		return log.committed
	}
	return 0
}

// Commits returns the record batches passed to Commit, in call order.
func (b *Broker) Commits() [][]*record.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.commits)
}

// Rewinds returns how often Rewind was called.
func (b *Broker) Rewinds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rewinds
}

var _ broker.Client = (*Broker)(nil)
var _ broker.Rewinder = (*Broker)(nil)
var _ broker.Closer = (*Broker)(nil)
