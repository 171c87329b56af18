package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	kafkabroker "github.com/drblury/ruleflow/internal/runtime/broker/kafka"
	"github.com/drblury/ruleflow/internal/runtime/broker/memory"
	"github.com/drblury/ruleflow/internal/runtime/broker/pull"
	"github.com/drblury/ruleflow/internal/runtime/chain"
	configpkg "github.com/drblury/ruleflow/internal/runtime/config"
	"github.com/drblury/ruleflow/internal/runtime/delivery"
	"github.com/drblury/ruleflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
	"github.com/drblury/ruleflow/internal/runtime/rulesource"
	"github.com/drblury/ruleflow/internal/runtime/subscription"
	transportpkg "github.com/drblury/ruleflow/internal/runtime/transport"

	// Registers the built-in transform steps with chain.DefaultSteps.
	_ "github.com/drblury/ruleflow/transform"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ServiceDependencies holds optional collaborators. Leave fields nil to
// build them from the configuration.
type ServiceDependencies struct {
	// Broker replaces the client selected by Config.Broker.
	Broker broker.Client
	// Queue replaces the publisher queue built on the configured transport.
	Queue delivery.Queue
	// TransportFactory builds the watermill transport. Defaults to the
	// transport registry.
	TransportFactory transportpkg.Factory
	// Steps resolves transform step types. Defaults to chain.DefaultSteps.
	Steps *chain.StepRegistry
	// Hooks observe every (record, rule) job.
	Hooks dispatch.JobHooks
	// Metrics receives the dispatch collectors and backs /metrics. Defaults
	// to the Prometheus default registry.
	Metrics *prometheus.Registry
	Tracer  trace.Tracer
}

// Service pulls records from a broker, runs them through the registered rule
// chains and offers the results to a delivery queue.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	client      broker.Client
	queue       delivery.Queue
	transport   transportpkg.Transport
	registry    *chain.Registry
	manager     *subscription.Manager
	engine      *dispatch.Engine
	metrics     *dispatch.Metrics
	coordinator *Coordinator
	rulesFile   *rulesource.File
	gatherer    prometheus.Gatherer

	state      atomic.Int32
	baseCtx    context.Context
	quit       chan struct{}
	loopDone   chan struct{}
	stopped    chan struct{}
	stopErr    error
	loopCancel context.CancelFunc
	runCancel  context.CancelFunc
	lifecycle  sync.Mutex

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
	idleLog         rate.Sometimes
	// rewound is set when failed records were handed back to the broker,
	// so the next poll waits IdleBackoff before fetching them again.
	rewound atomic.Bool
}

var newKafkaBroker = func(ctx context.Context, cfg kafkabroker.Config, logger loggingpkg.ServiceLogger) (broker.Client, error) {
	return kafkabroker.New(ctx, cfg, logger)
}

// NewService bootstraps a Service: it builds the broker client and the
// delivery queue, registers the chains of initial and subscribes to every
// topic they reference. When initial is nil and Config.RulesFile is set, the
// rules are loaded from that file. Any bootstrap failure is returned and
// releases what was already built.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, initial map[string][]rules.Rule, deps ServiceDependencies) (_ *Service, err error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating rule dispatch service", loggingpkg.LogFields{
		"broker":        cfg.Broker,
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg,
	})

	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		baseCtx:         context.WithoutCancel(ctx),
		quit:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		stopped:         make(chan struct{}),
		resourceTracker: newResourceTracker(),
		idleLog:         rate.Sometimes{First: 1, Interval: time.Minute},
	}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	if initial == nil && cfg.RulesFile != "" {
		if s.rulesFile, err = rulesource.NewFile(cfg.RulesFile, log); err != nil {
			return nil, err
		}
		if initial, err = s.rulesFile.Load(); err != nil {
			return nil, err
		}
	}

	if err = s.buildTransport(ctx, deps); err != nil {
		return nil, err
	}
	if err = s.buildBroker(ctx, deps); err != nil {
		return nil, err
	}
	if err = s.buildQueue(deps); err != nil {
		return nil, err
	}

	s.registry = chain.NewRegistry(deps.Steps, log)
	if err = s.registry.InitOrUpdate(initial); err != nil {
		return nil, err
	}

	if s.manager, err = subscription.New(ctx, s.client, initial, log); err != nil {
		return nil, err
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	s.gatherer = prometheus.DefaultGatherer
	if deps.Metrics != nil {
		registerer = deps.Metrics
		s.gatherer = deps.Metrics
	}
	s.metrics = dispatch.NewMetrics(registerer)
	if err = s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	hooks := deps.Hooks.Merge(dispatch.LoggingHooks(loggingpkg.Component(log, "jobs")))
	s.engine, err = dispatch.New(dispatch.Options{
		Workers:      cfg.Workers,
		MaxWorkers:   cfg.MaxWorkers,
		Backlog:      cfg.Backlog,
		Backpressure: dispatch.Backpressure(cfg.Backpressure),
		Hooks:        hooks,
		Metrics:      s.metrics,
		Tracer:       deps.Tracer,
		BaseContext:  s.baseCtx,
	}, s.registry, s.queue, log)
	if err != nil {
		return nil, err
	}

	s.coordinator = newCoordinator(s.registry, s.manager, log, DefaultChangeBuffer)
	return s, nil
}

func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies) error {
	needsSubscriber := deps.Broker == nil && s.Conf.Broker == configpkg.BrokerWatermill
	if deps.Queue != nil && !needsSubscriber {
		return nil
	}
	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("build %s transport: %w", s.Conf.PubSubSystem, err)
	}
	s.transport = t
	return nil
}

func (s *Service) buildBroker(ctx context.Context, deps ServiceDependencies) error {
	if deps.Broker != nil {
		s.client = deps.Broker
		return nil
	}
	switch s.Conf.Broker {
	case configpkg.BrokerKafka:
		client, err := newKafkaBroker(ctx, kafkabroker.Config{
			Brokers:        s.Conf.KafkaBrokers,
			Group:          s.Conf.KafkaConsumerGroup,
			ClientID:       s.Conf.KafkaClientID,
			MaxPollRecords: s.Conf.PollBatchSize,
		}, s.Logger)
		if err != nil {
			return err
		}
		s.client = client
	case configpkg.BrokerMemory:
		s.client = memory.New(memory.WithBatchSize(s.Conf.PollBatchSize))
	default:
		if err := transportpkg.CheckSource(transportpkg.For(s.Conf)); err != nil {
			s.Logger.Info("Source transport may lose records left uncommitted", loggingpkg.LogFields{
				"transport": s.Conf.PubSubSystem,
				"reason":    err.Error(),
			})
		}
		adapter, err := pull.New(s.transport.Subscriber, pull.Config{
			NodeID:    s.Conf.PubSubSystem,
			BatchSize: s.Conf.PollBatchSize,
		}, s.Logger)
		if err != nil {
			return err
		}
		s.client = adapter
	}
	return nil
}

func (s *Service) buildQueue(deps ServiceDependencies) error {
	if deps.Queue != nil {
		s.queue = deps.Queue
		return nil
	}
	q, err := delivery.NewPublisherQueue(s.transport.Publisher, delivery.PublisherConfig{
		Encoding:       s.Conf.DeliveryEncoding,
		MaxRetries:     s.Conf.DeliveryMaxRetries,
		MaxMessageSize: transportpkg.For(s.Conf).MaxMessageSize,
	}, s.Logger)
	if err != nil {
		return err
	}
	s.queue = q
	return nil
}

// OnRuleChanged implements rules.Observer. Changes made before Run are
// applied once Run starts.
func (s *Service) OnRuleChanged(name string, configs [][]rules.KeyValue, kind rules.ChangeKind) {
	s.coordinator.OnRuleChanged(name, configs, kind)
}

// State returns the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Registry exposes the chain registry.
func (s *Service) Registry() *chain.Registry { return s.registry }

// Subscriptions exposes the subscription manager.
func (s *Service) Subscriptions() *subscription.Manager { return s.manager }

// Engine exposes the dispatch engine.
func (s *Service) Engine() *dispatch.Engine { return s.engine }

// Run polls until ctx is cancelled or Stop is called, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	s.lifecycle.Lock()
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		s.lifecycle.Unlock()
		if s.State() == StateRunning {
			return errspkg.ErrAlreadyRunning
		}
		return errspkg.ErrServiceStopped
	}
	runCtx, runCancel := context.WithCancel(ctx)
	loopCtx, loopCancel := context.WithCancel(runCtx)
	s.runCancel = runCancel
	s.loopCancel = loopCancel
	s.lifecycle.Unlock()

	go s.coordinator.run(context.WithoutCancel(runCtx), s.quit)
	if s.rulesFile != nil {
		go func() {
			if err := s.rulesFile.Watch(runCtx, s); err != nil {
				s.Logger.Error("Rules file watch stopped", err, nil)
			}
		}()
	}
	s.startStatusServer()
	s.startMetricsServer()
	s.startHTTPServers()

	s.Logger.Info("Service running", loggingpkg.LogFields{
		"topics": s.manager.Topics(),
		"rules":  s.registry.Len(),
	})
	s.loop(loopCtx)
	close(s.loopDone)

	if s.State() == StateRunning {
		return s.Stop(context.Background())
	}
	<-s.stopped
	return s.stopErr
}

func (s *Service) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		default:
		}
		if s.rewound.Swap(false) && !s.sleep(ctx, s.Conf.IdleBackoff) {
			return
		}

		msgs, err := s.client.Poll(ctx, s.Conf.PollTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.Logger.Error("Poll failed", err, nil)
			s.sleep(ctx, s.Conf.IdleBackoff)
			continue
		}
		if len(msgs) == 0 {
			s.idleLog.Do(func() {
				s.Logger.Debug("No records, backing off", loggingpkg.LogFields{
					"idle_backoff": s.Conf.IdleBackoff.String(),
					"topics":       s.manager.Topics(),
				})
			})
			s.sleep(ctx, s.Conf.IdleBackoff)
			continue
		}
		s.submit(ctx, msgs)
	}
}

// submit hands msgs to the engine, resubmitting the remainder after a
// rejection.
func (s *Service) submit(ctx context.Context, msgs []broker.RawMessage) {
	for len(msgs) > 0 {
		n, err := s.engine.Submit(ctx, msgs, s.commit)
		msgs = msgs[n:]
		switch {
		case err == nil:
			return
		case errors.Is(err, dispatch.ErrBacklogFull):
			if !s.sleep(ctx, s.Conf.IdleBackoff) {
				return
			}
		default:
			if ctx.Err() == nil {
				s.Logger.Error("Submit failed", err, loggingpkg.LogFields{"remaining": len(msgs)})
			}
			return
		}
	}
}

// commit runs on a dispatch worker once a batch finished. Records with a
// failed offer are rewound; the rest are committed, which never moves an
// offset past a rewound record.
func (s *Service) commit(res dispatch.BatchResult) {
	if len(res.Failed) > 0 {
		s.rewind(res)
	}
	records := res.Committable()
	if len(records) == 0 {
		return
	}
	if err := s.client.Commit(s.baseCtx, records); err != nil {
		s.Logger.Error("Commit failed", err, loggingpkg.LogFields{"records": len(records)})
	}
}

func (s *Service) rewind(res dispatch.BatchResult) {
	fields := loggingpkg.LogFields{
		"records":        len(res.Failed),
		"offer_failures": res.OfferFailures,
	}
	rewound, err := broker.Rewind(s.baseCtx, s.client, res.Failed)
	switch {
	case err != nil:
		s.Logger.Error("Rewind failed, records are redelivered after a restart", err, fields)
	case !rewound:
		s.Logger.Info("Broker cannot rewind, records are redelivered after a restart", fields)
	default:
		s.rewound.Store(true)
		s.Logger.Info("Rewound records with failed offers", fields)
	}
}

// sleep waits d and reports whether the loop should go on.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

// Stop ends polling, drains the dispatch engine within Config.DrainTimeout
// or the ctx deadline, and releases the broker, the queue and the HTTP
// servers. Calling Stop again waits for the first call and returns its error.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	switch s.State() {
	case StateReady:
		s.state.Store(int32(StateStopping))
		close(s.quit)
		close(s.loopDone)
		close(s.coordinator.done)
		s.lifecycle.Unlock()
	case StateRunning:
		s.state.Store(int32(StateStopping))
		close(s.quit)
		s.loopCancel()
		s.lifecycle.Unlock()
	default:
		s.lifecycle.Unlock()
		select {
		case <-s.stopped:
			return s.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.Logger.Info("Stopping service", nil)
	<-s.loopDone

	drainCtx, cancel := context.WithTimeout(ctx, s.Conf.DrainTimeout)
	defer cancel()
	var errs []error
	if err := s.engine.Close(drainCtx); err != nil {
		errs = append(errs, err)
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}

	s.stopErr = errors.Join(errs...)
	s.state.Store(int32(StateStopped))
	close(s.stopped)
	s.Logger.Info("Service stopped", nil)
	return s.stopErr
}

// release closes everything NewService built. Safe on a partial Service.
func (s *Service) release(ctx context.Context) error {
	var errs []error
	if err := s.shutdownHTTPServers(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := broker.Close(s.client); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if closer, ok := s.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close delivery queue: %w", err))
		}
	} else if s.transport.Publisher != nil {
		if err := s.transport.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if _, adapted := s.client.(*pull.Adapter); !adapted && s.transport.Subscriber != nil {
		if err := s.transport.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Run.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) shutdownHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
