package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/ids"
	"github.com/drblury/ruleflow/internal/runtime/jsoncodec"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/metadata"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

// Payload encodings.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// Content types written to the content-type header.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

var (
	// ErrNoTarget is returned for offers whose rule names no delivery topic.
	ErrNoTarget = errors.New("ruleflow: rule has no target")
	// ErrMessageTooLarge is returned, without retrying, for payloads the
	// transport cannot carry.
	ErrMessageTooLarge = errors.New("ruleflow: message exceeds transport limit")
)

// PublisherConfig tunes a PublisherQueue.
type PublisherConfig struct {
	// Encoding is EncodingJSON (default) or EncodingProtobuf.
	Encoding string
	// MaxRetries bounds publish attempts after the first. Zero disables retry.
	MaxRetries int
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxMessageSize bounds the encoded payload in bytes. Zero means no limit.
	MaxMessageSize int64
}

// PublisherQueue publishes every offer to the rule's target topic.
type PublisherQueue struct {
	publisher message.Publisher
	cfg       PublisherConfig
	log       logging.ServiceLogger
}

// NewPublisherQueue wraps publisher.
func NewPublisherQueue(publisher message.Publisher, cfg PublisherConfig, logger logging.ServiceLogger) (*PublisherQueue, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	switch cfg.Encoding {
	case "":
		cfg.Encoding = EncodingJSON
	case EncodingJSON, EncodingProtobuf:
	default:
		return nil, fmt.Errorf("ruleflow: unknown delivery encoding %q", cfg.Encoding)
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &PublisherQueue{
		publisher: publisher,
		cfg:       cfg,
		log:       logging.Component(logger, "delivery.publisher"),
	}, nil
}

// Offer implements Queue.
func (q *PublisherQueue) Offer(ctx context.Context, offer Offer) error {
	topic := offer.Rule.Target()
	if topic == "" {
		return fmt.Errorf("%w: %s", ErrNoTarget, offer.Rule.Key())
	}
	msg, err := NewMessage(offer, q.cfg.Encoding)
	if err != nil {
		return err
	}
	if limit := q.cfg.MaxMessageSize; limit > 0 && int64(len(msg.Payload)) > limit {
		return fmt.Errorf("%w: %d bytes to %q, limit %d", ErrMessageTooLarge, len(msg.Payload), topic, limit)
	}

	attempts := uint(1)
	if q.cfg.MaxRetries > 0 {
		attempts += uint(q.cfg.MaxRetries)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialInterval
	bo.MaxInterval = q.cfg.MaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		// Publishers may keep a reference; each attempt gets its own copy.
		attempt := msg.Copy()
		attempt.SetContext(ctx)
		return struct{}{}, q.publisher.Publish(topic, attempt)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.log.Debug("Publish failed, retrying", logging.LogFields{
				"topic": topic,
				"error": err.Error(),
				"retry": next.String(),
			})
		}),
	)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (q *PublisherQueue) Close() error {
	return q.publisher.Close()
}

// NewMessage encodes the offered record into a watermill message whose
// metadata carries the record extensions and its source position.
func NewMessage(offer Offer, encoding string) (*message.Message, error) {
	if offer.Record == nil {
		return nil, errors.New("ruleflow: offer has no record")
	}
	payload, contentType, err := Encode(offer.Record, encoding)
	if err != nil {
		return nil, err
	}
	rec := offer.Record
	md := metadata.ForDelivery(rec.Extensions, offer.Rule.Key(), metadata.Source{
		Topic:     rec.Partition.Topic,
		Node:      rec.Partition.NodeID,
		Partition: rec.Partition.PartitionIndex,
		Offset:    rec.Offset.NumericOffset,
		Timestamp: rec.Timestamp,
	}, contentType)

	msg := message.NewMessage(ids.ForRecord(rec.Timestamp), payload)
	metadata.Attach(msg, md)
	return msg, nil
}

// Encode renders rec in its canonical JSON shape, or as a protobuf Struct of
// that shape.
func Encode(rec *record.Record, encoding string) ([]byte, string, error) {
	switch encoding {
	case "", EncodingJSON:
		data, err := jsoncodec.Marshal(rec)
		if err != nil {
			return nil, "", fmt.Errorf("encode record: %w", err)
		}
		return data, ContentTypeJSON, nil
	case EncodingProtobuf:
		fields, err := jsoncodec.Fields(rec)
		if err != nil {
			return nil, "", fmt.Errorf("encode record: %w", err)
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, "", fmt.Errorf("encode record: %w", err)
		}
		out, err := proto.Marshal(st)
		if err != nil {
			return nil, "", fmt.Errorf("encode record: %w", err)
		}
		return out, ContentTypeProtobuf, nil
	default:
		return nil, "", fmt.Errorf("ruleflow: unknown delivery encoding %q", encoding)
	}
}
