package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/ruleflow/internal/runtime/ids"
	"github.com/drblury/ruleflow/internal/runtime/metadata"
	"github.com/drblury/ruleflow/internal/runtime/record"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

func testOffer(target string) Offer {
	ts := int64(1700000000000)
	pairs := []rules.KeyValue{{Key: rules.KeyTopic, Value: "orders"}}
	if target != "" {
		pairs = append(pairs, rules.KeyValue{Key: rules.KeyTarget, Value: target})
	}
	return Offer{
		Rule: rules.New(pairs...),
		Record: &record.Record{
			Partition:  record.Partition{Topic: "orders", NodeID: "n1", PartitionIndex: 1},
			Offset:     record.Offset{NumericOffset: 5},
			Timestamp:  &ts,
			Body:       `{"id":1}`,
			Extensions: map[string]string{"tenant": "acme"},
		},
	}
}

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []*message.Message
}

func (p *flakyPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("transient")
	}
	p.got = append(p.got, msgs...)
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

func TestChannelQueuePerRule(t *testing.T) {
	q := NewChannelQueue(2)
	ctx := context.Background()
	a := testOffer("a")
	b := testOffer("b")

	require.NoError(t, q.Offer(ctx, a))
	require.NoError(t, q.Offer(ctx, a))
	require.NoError(t, q.Offer(ctx, b))
	assert.Equal(t, 2, q.Len(a.Rule.Key()))
	assert.Equal(t, map[string]int{a.Rule.Key(): 2, b.Rule.Key(): 1}, q.Depths())

	got, err := q.Receive(ctx, b.Rule.Key())
	require.NoError(t, err)
	assert.True(t, got.Rule.Equal(b.Rule))

	assert.Len(t, q.Drain(a.Rule.Key()), 2)
	assert.Equal(t, 0, q.Len(a.Rule.Key()))
}

func TestChannelQueueBlocksWhenFull(t *testing.T) {
	q := NewChannelQueue(1)
	offer := testOffer("a")
	require.NoError(t, q.Offer(context.Background(), offer))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Offer(ctx, offer), context.DeadlineExceeded)

	_, err := q.Receive(ctx, "unknown")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueFunc(t *testing.T) {
	var got Offer
	var q Queue = QueueFunc(func(_ context.Context, o Offer) error {
		got = o
		return nil
	})
	require.NoError(t, q.Offer(context.Background(), testOffer("x")))
	assert.Equal(t, "x", got.Rule.Target())
}

func TestNewPublisherQueueValidates(t *testing.T) {
	_, err := NewPublisherQueue(nil, PublisherConfig{}, nil)
	require.Error(t, err)
	_, err = NewPublisherQueue(&flakyPublisher{}, PublisherConfig{Encoding: "avro"}, nil)
	require.Error(t, err)
}

func TestNewMessageMetadata(t *testing.T) {
	offer := testOffer("crm")
	msg, err := NewMessage(offer, EncodingJSON)
	require.NoError(t, err)

	stamped, err := ids.Time(msg.UUID)
	require.NoError(t, err)
	assert.Equal(t, *offer.Record.Timestamp, stamped.UnixMilli(), "message IDs carry the event time")
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Equal(t, offer.Rule.Key(), msg.Metadata.Get(metadata.KeyRule))
	assert.Equal(t, "orders", msg.Metadata.Get(metadata.KeySourceTopic))
	assert.Equal(t, "n1", msg.Metadata.Get(metadata.KeySourceNode))
	assert.Equal(t, "1", msg.Metadata.Get(metadata.KeySourcePartition))
	assert.Equal(t, "5", msg.Metadata.Get(metadata.KeySourceOffset))
	assert.Equal(t, ContentTypeJSON, msg.Metadata.Get(metadata.KeyContentType))
	assert.JSONEq(t, `{
		"partition": {"topic": "orders", "nodeId": "n1", "partitionIndex": 1},
		"offset": {"numericOffset": 5},
		"timestamp": 1700000000000,
		"body": "{\"id\":1}",
		"extensions": {"tenant": "acme"}
	}`, string(msg.Payload))

	_, err = NewMessage(Offer{Rule: offer.Rule}, EncodingJSON)
	require.Error(t, err)
}

func TestEncodeProtobuf(t *testing.T) {
	payload, contentType, err := Encode(testOffer("crm").Record, EncodingProtobuf)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, contentType)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(payload, &st))
	assert.Equal(t, `{"id":1}`, st.Fields["body"].GetStringValue())
	assert.Equal(t, "acme", st.Fields["extensions"].GetStructValue().Fields["tenant"].GetStringValue())

	_, _, err = Encode(testOffer("crm").Record, "avro")
	require.Error(t, err)
}

func TestPublisherQueueRetries(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	q, err := NewPublisherQueue(pub, PublisherConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Offer(context.Background(), testOffer("crm")))
	assert.Equal(t, 3, pub.calls)
	require.Len(t, pub.got, 1)
}

func TestPublisherQueueGivesUp(t *testing.T) {
	pub := &flakyPublisher{failures: 10}
	q, err := NewPublisherQueue(pub, PublisherConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	err = q.Offer(context.Background(), testOffer("crm"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `publish to "crm"`)
	assert.Equal(t, 2, pub.calls)
}

func TestPublisherQueueRequiresTarget(t *testing.T) {
	q, err := NewPublisherQueue(&flakyPublisher{}, PublisherConfig{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Offer(context.Background(), testOffer("")), ErrNoTarget)
}

func TestPublisherQueueRejectsOversizedPayload(t *testing.T) {
	pub := &flakyPublisher{}
	q, err := NewPublisherQueue(pub, PublisherConfig{MaxRetries: 3, MaxMessageSize: 64}, nil)
	require.NoError(t, err)

	err = q.Offer(context.Background(), testOffer("crm"))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, pub.calls, "an oversized payload is never published")
}

func TestPublisherQueueOverGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	q, err := NewPublisherQueue(pubSub, PublisherConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, q.Offer(context.Background(), testOffer("crm")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := pubSub.Subscribe(ctx, "crm")
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	case <-ctx.Done():
		t.Fatal("expected the offer to be published")
	}
}
