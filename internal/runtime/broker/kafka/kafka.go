// Package kafka provides a broker client backed by a franz-go consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

const defaultMaxPollRecords = 32

// Config holds the consumer settings.
type Config struct {
	Brokers []string
	Group   string
	// ClientID is sent to Kafka and reported as the node id of every message.
	ClientID string
	// MaxPollRecords caps a single Poll. Defaults to 32.
	MaxPollRecords int
	// Opts are appended to the generated client options.
	Opts []kgo.Opt
}

// kgoClient is the subset of *kgo.Client the consumer uses.
type kgoClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	AddConsumeTopics(topics ...string)
	PurgeTopicsFromConsuming(topics ...string)
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	Ping(ctx context.Context) error
	Close()
}

var newKgoClient = func(opts ...kgo.Opt) (kgoClient, error) {
	return kgo.NewClient(opts...)
}

type partitionKey struct {
	topic     string
	partition int32
}

// inflight holds the polled but not yet committed records of one partition,
// ordered by offset.
type inflight struct {
	offsets []int64
	records map[int64]*kgo.Record
	acked   map[int64]bool
}

func newInflight() *inflight {
	return &inflight{records: make(map[int64]*kgo.Record), acked: make(map[int64]bool)}
}

// track adds rec. A record polled again after a rewind or rebalance is
// reopened.
func (p *inflight) track(rec *kgo.Record) {
	if _, ok := p.records[rec.Offset]; !ok {
		i, _ := slices.BinarySearch(p.offsets, rec.Offset)
		p.offsets = slices.Insert(p.offsets, i, rec.Offset)
	}
	p.records[rec.Offset] = rec
	p.acked[rec.Offset] = false
}

// ack marks offset committed by the caller and pops the acked prefix. It
// returns the last popped record, or nil when the head is still open.
func (p *inflight) ack(offset int64) *kgo.Record {
	if _, ok := p.records[offset]; ok {
		p.acked[offset] = true
	}
	var last *kgo.Record
	n := 0
	for _, off := range p.offsets {
		if !p.acked[off] {
			break
		}
		last = p.records[off]
		delete(p.records, off)
		delete(p.acked, off)
		n++
	}
	p.offsets = p.offsets[n:]
	return last
}

// truncate forgets every record at or after offset and returns the record
// found at offset, if any.
func (p *inflight) truncate(offset int64) *kgo.Record {
	at := p.records[offset]
	i, _ := slices.BinarySearch(p.offsets, offset)
	for _, off := range p.offsets[i:] {
		delete(p.records, off)
		delete(p.acked, off)
	}
	p.offsets = p.offsets[:i]
	return at
}

// Client consumes the topics added through Subscribe. Offsets are committed
// only through Commit, and only up to the first polled record of a partition
// that has not been committed yet.
type Client struct {
	cl         kgoClient
	nodeID     string
	maxRecords int
	log        logging.ServiceLogger

	mu       sync.Mutex
	topics   map[string]struct{}
	inflight map[partitionKey]*inflight
}

// New connects to the seed brokers and verifies the cluster is reachable.
func New(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ruleflow: kafka brokers are required")
	}
	if cfg.Group == "" {
		return nil, errors.New("ruleflow: kafka consumer group is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	opts = append(opts, cfg.Opts...)

	cl, err := newKgoClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	maxRecords := cfg.MaxPollRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxPollRecords
	}

	c := &Client{
		cl:         cl,
		nodeID:     cfg.ClientID,
		maxRecords: maxRecords,
		log:        logging.Component(logger, "broker.kafka"),
		topics:     make(map[string]struct{}),
		inflight:   make(map[partitionKey]*inflight),
	}
	c.log.Info("Kafka consumer connected", logging.LogFields{
		"brokers": cfg.Brokers,
		"group":   cfg.Group,
	})
	return c, nil
}

// Poll implements broker.Client.
func (c *Client) Poll(ctx context.Context, timeout time.Duration) ([]broker.RawMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.cl.PollRecords(pollCtx, c.maxRecords)
	if fetches.IsClientClosed() {
		return nil, broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		c.log.Error("Kafka fetch error", fe.Err, logging.LogFields{
			"topic":     fe.Topic,
			"partition": fe.Partition,
		})
	}

	out := make([]broker.RawMessage, 0, fetches.NumRecords())
	c.mu.Lock()
	defer c.mu.Unlock()
	fetches.EachRecord(func(rec *kgo.Record) {
		// A purge is not synchronous with buffered fetches.
		if _, ok := c.topics[rec.Topic]; !ok {
			return
		}
		c.partitionLocked(partitionKey{rec.Topic, rec.Partition}).track(rec)
		out = append(out, c.toRaw(rec))
	})
	return out, nil
}

func (c *Client) partitionLocked(key partitionKey) *inflight {
	p, ok := c.inflight[key]
	if !ok {
		p = newInflight()
		c.inflight[key] = p
	}
	return p
}

func (c *Client) toRaw(rec *kgo.Record) broker.RawMessage {
	props := make(map[string]string, len(rec.Headers)+1)
	for _, h := range rec.Headers {
		props[h.Key] = string(h.Value)
	}
	if _, ok := props[record.PropertyTimestamp]; !ok && !rec.Timestamp.IsZero() {
		props[record.PropertyTimestamp] = strconv.FormatInt(rec.Timestamp.UnixMilli(), 10)
	}
	return broker.RawMessage{
		Topic:          rec.Topic,
		NodeID:         c.nodeID,
		PartitionIndex: rec.Partition,
		Offset:         rec.Offset,
		Body:           rec.Value,
		Properties:     props,
	}
}

// Subscribe implements broker.Client.
func (c *Client) Subscribe(_ context.Context, topic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; ok {
		return nil
	}
	c.cl.AddConsumeTopics(topic)
	c.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe implements broker.Client. Uncommitted records of the topic are
// forgotten; the group redelivers them from the last committed offset.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; !ok {
		return nil
	}
	c.cl.PurgeTopicsFromConsuming(topic)
	delete(c.topics, topic)
	for key := range c.inflight {
		if key.topic == topic {
			delete(c.inflight, key)
		}
	}
	return nil
}

// Commit implements broker.Client. Each partition is committed up to the end
// of its contiguous run of committed records. A failed commit is covered by
// the next successful one.
func (c *Client) Commit(ctx context.Context, records []*record.Record) error {
	if len(records) == 0 {
		return nil
	}

	c.mu.Lock()
	heads := make(map[partitionKey]*kgo.Record)
	for _, rec := range records {
		key := partitionKey{rec.Partition.Topic, rec.Partition.PartitionIndex}
		p, ok := c.inflight[key]
		if !ok {
			continue
		}
		if last := p.ack(rec.Offset.NumericOffset); last != nil {
			heads[key] = last
		}
	}
	c.mu.Unlock()

	if len(heads) == 0 {
		return nil
	}
	toCommit := slices.Collect(maps.Values(heads))
	if err := c.cl.CommitRecords(ctx, toCommit...); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Rewind implements broker.Rewinder. Every partition is sought back to its
// lowest rewound offset; records polled after it are fetched again.
func (c *Client) Rewind(_ context.Context, records []*record.Record) error {
	lowest := make(map[partitionKey]int64)
	for _, rec := range records {
		key := partitionKey{rec.Partition.Topic, rec.Partition.PartitionIndex}
		if off, ok := lowest[key]; !ok || rec.Offset.NumericOffset < off {
			lowest[key] = rec.Offset.NumericOffset
		}
	}

	c.mu.Lock()
	seek := make(map[string]map[int32]kgo.EpochOffset)
	for key, off := range lowest {
		if _, ok := c.topics[key.topic]; !ok {
			continue
		}
		epoch := int32(-1)
		if p, ok := c.inflight[key]; ok {
			if at := p.truncate(off); at != nil {
				epoch = at.LeaderEpoch
			}
		}
		if seek[key.topic] == nil {
			seek[key.topic] = make(map[int32]kgo.EpochOffset)
		}
		seek[key.topic][key.partition] = kgo.EpochOffset{Epoch: epoch, Offset: off}
	}
	c.mu.Unlock()

	if len(seek) > 0 {
		c.cl.SetOffsets(seek)
		c.log.Info("Rewound partitions", logging.LogFields{"offsets": seek})
	}
	return nil
}

// Topics returns the sorted set of consumed topics.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.topics))
}

// Close leaves the group and closes the connections.
func (c *Client) Close() error {
	c.cl.Close()
	return nil
}

var _ broker.Client = (*Client)(nil)
var _ broker.Closer = (*Client)(nil)
var _ broker.Rewinder = (*Client)(nil)
