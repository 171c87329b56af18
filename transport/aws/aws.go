// Package aws provides an SNS/SQS transport. Records are delivered to SNS
// topics; each subscribed topic gets its own SQS queue fanned out from SNS.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/ruleflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// QueuePrefix prefixes the SQS queue created for each subscribed topic, so
// ingestion does not compete with other consumers of the same SNS topic.
const QueuePrefix = "ruleflow-"

// LocalStackAccountID is used when an endpoint override is set without a
// valid account ID.
const LocalStackAccountID = "000000000000"

// ConfigLoader loads the base AWS configuration.
var ConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory builds the resolver mapping topic names to ARNs.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory creates the SNS publisher.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the SNS-to-SQS subscriber.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.Register(transport.Definition{
		Name:         TransportName,
		Build:        Build,
		Capabilities: transport.AWSCapabilities,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Build creates the SNS publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	target, err := resolveTarget(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := ConfigLoader(ctx, loadOptions(cfg)...)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("load aws config: %w", err)
	}
	if target.region != "" {
		awsCfg.Region = target.region
	}
	logger.Info("Resolved AWS target", watermill.LogFields{
		"account_id": target.accountID,
		"region":     awsCfg.Region,
		"endpoint":   target.endpointString(),
	})

	resolver, err := TopicResolverFactory(target.accountID, awsCfg.Region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("sns topic resolver: %w", err)
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOptions(target.endpoint),
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		OptFns:               snsOptions(target.endpoint),
		TopicResolver:        resolver,
		GenerateSqsQueueName: QueueName,
	}, sqs.SubscriberConfig{
		AWSConfig: awsCfg,
		OptFns:    sqsOptions(target.endpoint),
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// QueueName names the SQS queue subscribed to an SNS topic.
func QueueName(_ context.Context, topicARN sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(topicARN)
	if err != nil {
		return "", err
	}
	return QueuePrefix + string(topic), nil
}

type target struct {
	accountID string
	region    string
	endpoint  *url.URL
}

func (t target) endpointString() string {
	if t.endpoint == nil {
		return ""
	}
	return t.endpoint.String()
}

func resolveTarget(cfg transport.Config) (target, error) {
	t := target{
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		region:    cfg.GetAWSRegion(),
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return target{}, fmt.Errorf("parse aws endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return target{}, fmt.Errorf("aws endpoint %q must be an absolute url", raw)
		}
		t.endpoint = u
		if len(t.accountID) != 12 {
			t.accountID = LocalStackAccountID
		}
	}
	return t, nil
}

func loadOptions(cfg transport.Config) []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "ruleflow"}, nil
			},
		)))
	}
	return opts
}

func snsOptions(endpoint *url.URL) []func(*amazonsns.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func sqsOptions(endpoint *url.URL) []func(*amazonsqs.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}
