package ruleflow

import (
	runtimepkg "github.com/drblury/ruleflow/internal/runtime"
	"github.com/drblury/ruleflow/internal/runtime/broker"
	"github.com/drblury/ruleflow/internal/runtime/broker/memory"
	"github.com/drblury/ruleflow/internal/runtime/chain"
	configpkg "github.com/drblury/ruleflow/internal/runtime/config"
	"github.com/drblury/ruleflow/internal/runtime/delivery"
	"github.com/drblury/ruleflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	idspkg "github.com/drblury/ruleflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/ruleflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ruleflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ruleflow/internal/runtime/metadata"
	"github.com/drblury/ruleflow/internal/runtime/record"
	"github.com/drblury/ruleflow/internal/runtime/rules"
	"github.com/drblury/ruleflow/internal/runtime/rulesource"
	transportpkg "github.com/drblury/ruleflow/internal/runtime/transport"
	newtransport "github.com/drblury/ruleflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	State               = runtimepkg.State
	Status              = runtimepkg.Status
	RuleStatus          = runtimepkg.RuleStatus
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Rules and rule changes
	Rule       = rules.Rule
	KeyValue   = rules.KeyValue
	RuleSet    = rules.RuleSet
	ChangeKind = rules.ChangeKind
	Observer   = rules.Observer
	RulesFile  = rulesource.File

	// Records
	Record     = record.Record
	RawMessage = record.RawMessage

	// Transform chains
	Step         = chain.Step
	StepFunc     = chain.StepFunc
	StepFactory  = chain.StepFactory
	StepRegistry = chain.StepRegistry

	// Delivery
	Offer           = delivery.Offer
	Queue           = delivery.Queue
	QueueFunc       = delivery.QueueFunc
	ChannelQueue    = delivery.ChannelQueue
	PublisherConfig = delivery.PublisherConfig

	// Brokers
	BrokerClient   = broker.Client
	BrokerRewinder = broker.Rewinder
	MemoryBroker   = memory.Broker

	// Job lifecycle hooks
	JobContext = dispatch.JobContext
	JobHooks   = dispatch.JobHooks

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError

	Capabilities = transportpkg.Capabilities

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	TransportDefinition   = newtransport.Definition
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewRule         = rules.New
	RuleFromMap     = rules.FromMap
	NewRuleSet      = rules.NewRuleSet
	ParseChangeKind = rules.ParseChangeKind
	NewRulesFile    = rulesource.NewFile
	DiffRuleSets    = rulesource.Diff

	Normalize = record.Normalize

	NewStepRegistry = chain.NewStepRegistry
	RegisterStep    = chain.RegisterStep

	NewChannelQueue   = delivery.NewChannelQueue
	NewPublisherQueue = delivery.NewPublisherQueue

	NewMemoryBroker = memory.New

	LoggingHooks  = dispatch.LoggingHooks
	MetricsHooks  = dispatch.MetricsHooks
	AlertingHooks = dispatch.AlertingHooks

	// Transport capabilities
	CapabilitiesFor = transportpkg.For

	// Use RegisterTransport and BuildTransport to work with the modular
	// transport packages. Import individual transports via:
	// _ "github.com/drblury/ruleflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrBrokerRequired    = errspkg.ErrBrokerRequired
	ErrQueueRequired     = errspkg.ErrQueueRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrRuleNameRequired  = errspkg.ErrRuleNameRequired
	ErrAlreadyRunning    = errspkg.ErrAlreadyRunning
	ErrServiceStopped    = errspkg.ErrServiceStopped
	ErrDrainTimeout      = errspkg.ErrDrainTimeout
	ErrBacklogFull       = dispatch.ErrBacklogFull
	ErrBrokerClosed      = broker.ErrClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Rule change kinds passed to Observer.OnRuleChanged.
const (
	Add    = rules.Add
	Update = rules.Update
	Delete = rules.Delete
)

// Well-known rule configuration keys.
const (
	KeyTopic      = rules.KeyTopic
	KeyTarget     = rules.KeyTarget
	KeyTransforms = rules.KeyTransforms
)

// Service lifecycle states.
const (
	StateReady    = runtimepkg.StateReady
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
	StateStopped  = runtimepkg.StateStopped
)

// Config values.
const (
	BrokerKafka        = configpkg.BrokerKafka
	BrokerWatermill    = configpkg.BrokerWatermill
	BrokerMemory       = configpkg.BrokerMemory
	EncodingJSON       = configpkg.EncodingJSON
	EncodingProtobuf   = configpkg.EncodingProtobuf
	BackpressureBlock  = configpkg.BackpressureBlock
	BackpressureReject = configpkg.BackpressureReject
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
