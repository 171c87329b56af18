package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ruleflow/internal/runtime/config"
	"github.com/drblury/ruleflow/transport"
	"github.com/drblury/ruleflow/transport/transporttest"
)

type captured struct {
	loadOpts  int
	accountID string
	region    string
	pub       sns.PublisherConfig
	sub       sns.SubscriberConfig
	sqs       sqs.SubscriberConfig
}

func fakeAWS(t *testing.T, pub *transporttest.Publisher, sub *transporttest.Subscriber) *captured {
	t.Helper()
	c := &captured{}
	transporttest.Replace(t, &ConfigLoader, func(_ context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		c.loadOpts = len(opts)
		return aws.Config{Region: "eu-central-1"}, nil
	})
	transporttest.Replace(t, &TopicResolverFactory, func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.accountID, c.region = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	})
	transporttest.Replace(t, &PublisherFactory, func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		c.pub = cfg
		return pub, nil
	})
	transporttest.Replace(t, &SubscriberFactory, func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		c.sub, c.sqs = cfg, sqsCfg
		if sub == nil {
			return nil, errors.New("sqs unavailable")
		}
		return sub, nil
	})
	return c
}

func TestRegister(t *testing.T) {
	transporttest.Replace(t, &transport.DefaultRegistry, transport.NewRegistry())
	Register()

	caps := transport.CapabilitiesFor(&config.Config{PubSubSystem: TransportName})
	assert.Equal(t, transport.AWSCapabilities, caps)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	c := fakeAWS(t, pub, sub)

	tr, err := Build(context.Background(), &config.Config{
		PubSubSystem:       TransportName,
		AWSRegion:          "us-west-2",
		AWSAccountID:       "123456789012",
		AWSAccessKeyID:     "key",
		AWSSecretAccessKey: "secret",
	}, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, 2, c.loadOpts, "region and static credentials")
	assert.Equal(t, "123456789012", c.accountID)
	assert.Equal(t, "us-west-2", c.region)
	assert.Equal(t, "us-west-2", c.pub.AWSConfig.Region)
	assert.Empty(t, c.pub.OptFns)
	assert.Empty(t, c.sqs.OptFns)
	assert.NotNil(t, c.sub.GenerateSqsQueueName)
}

func TestBuildWithLocalStackEndpoint(t *testing.T) {
	c := fakeAWS(t, &transporttest.Publisher{}, &transporttest.Subscriber{})

	_, err := Build(context.Background(), &config.Config{
		PubSubSystem: TransportName,
		AWSEndpoint:  "http://localhost:4566",
		AWSAccountID: "'12345'",
	}, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Equal(t, LocalStackAccountID, c.accountID)
	assert.Equal(t, "eu-central-1", c.region, "region falls back to the loaded config")
	assert.Len(t, c.pub.OptFns, 1)
	assert.Len(t, c.sub.OptFns, 1)
	assert.Len(t, c.sqs.OptFns, 1)
}

func TestBuildErrors(t *testing.T) {
	t.Run("relative endpoint", func(t *testing.T) {
		fakeAWS(t, &transporttest.Publisher{}, &transporttest.Subscriber{})
		_, err := Build(context.Background(), &config.Config{AWSEndpoint: "localhost:4566"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "absolute url")
	})

	t.Run("config loader", func(t *testing.T) {
		transporttest.Replace(t, &ConfigLoader, func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no credentials")
		})
		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		fakeAWS(t, pub, nil)
		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "sqs unavailable")
		assert.True(t, pub.Closed())
	})
}

func TestQueueName(t *testing.T) {
	name, err := QueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:orders")
	require.NoError(t, err)
	assert.Equal(t, "ruleflow-orders", name)

	_, err = QueueName(context.Background(), "orders")
	assert.Error(t, err)
}
