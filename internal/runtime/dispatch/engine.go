// Package dispatch runs raw broker messages through every registered rule on
// a bounded worker pool and offers the results to the delivery queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	"github.com/drblury/ruleflow/internal/runtime/chain"
	"github.com/drblury/ruleflow/internal/runtime/delivery"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

// Backpressure selects what Submit does when the backlog is full and the pool
// cannot grow.
type Backpressure string

const (
	// Block waits for space.
	Block Backpressure = "block"
	// Reject returns ErrBacklogFull with the number of accepted messages.
	Reject Backpressure = "reject"
)

// Pool defaults.
const (
	DefaultWorkers           = 20
	DefaultMaxWorkers        = 60
	DefaultBacklog           = 100
	DefaultIdleWorkerTimeout = time.Second
)

var (
	// ErrBacklogFull is returned by Submit under Reject when a message could
	// not be queued. The caller resubmits the remainder.
	ErrBacklogFull = errors.New("ruleflow: dispatch backlog full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("ruleflow: dispatch engine closed")
	// ErrChainPanic wraps a panic recovered from a transform chain.
	ErrChainPanic = errors.New("ruleflow: transform chain panicked")
)

const tracerName = "github.com/drblury/ruleflow/dispatch"

// Options tunes the engine.
type Options struct {
	Workers    int
	MaxWorkers int
	Backlog    int
	// Backpressure defaults to Block.
	Backpressure Backpressure
	// IdleWorkerTimeout is how long a burst worker waits for work before exiting.
	IdleWorkerTimeout time.Duration
	Hooks             JobHooks
	// Metrics defaults to a collector on a private registry.
	Metrics *Metrics
	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
	// BaseContext is passed to every chain and offer. It is never cancelled
	// by Close. Defaults to context.Background().
	BaseContext context.Context
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.MaxWorkers < o.Workers {
		o.MaxWorkers = o.Workers
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.Backpressure == "" {
		o.Backpressure = Block
	}
	if o.IdleWorkerTimeout <= 0 {
		o.IdleWorkerTimeout = DefaultIdleWorkerTimeout
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	return o
}

// BatchResult describes a finished batch.
type BatchResult struct {
	// Records are the normalized records, in completion order.
	Records []*record.Record
	// Malformed holds position-only records for messages that failed to
	// normalize, so they can be committed past.
	Malformed []*record.Record
	// Failed are the records of Records with at least one failed offer.
	// They must be delivered again.
	Failed        []*record.Record
	Offers        int
	Drops         int
	ChainFailures int
	OfferFailures int
}

// OK reports whether every offer of the batch was accepted.
func (r BatchResult) OK() bool {
	return r.OfferFailures == 0
}

// Committable returns every record whose position may be committed, which
// excludes Failed.
func (r BatchResult) Committable() []*record.Record {
	out := make([]*record.Record, 0, len(r.Records)+len(r.Malformed))
	for _, rec := range r.Records {
		if !slices.Contains(r.Failed, rec) {
			out = append(out, rec)
		}
	}
	return append(out, r.Malformed...)
}

type batch struct {
	pending atomic.Int64
	units   int
	done    func(BatchResult)

	mu     sync.Mutex
	result BatchResult
}

func (b *batch) add(fn func(*BatchResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.result)
}

func (b *batch) release(m *Metrics) {
	if b.pending.Add(-1) != 0 {
		return
	}
	if b.units == 0 {
		return
	}
	m.RecordBatch(b.result.OK())
	if b.done != nil {
		b.done(b.result)
	}
}

type unit struct {
	msg   broker.RawMessage
	batch *batch
}

// Engine is the bounded dispatch worker pool.
type Engine struct {
	opts     Options
	registry *chain.Registry
	queue    delivery.Queue
	log      logging.ServiceLogger
	metrics  *Metrics

	jobs       chan unit
	quit       chan struct{}
	workers    sync.WaitGroup
	submitters sync.WaitGroup
	running    atomic.Int32

	mu     sync.Mutex
	closed bool

	waitLog rate.Sometimes
}

// New starts the baseline workers.
func New(opts Options, registry *chain.Registry, queue delivery.Queue, logger logging.ServiceLogger) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("ruleflow: chain registry is required")
	}
	if queue == nil {
		return nil, errspkg.ErrQueueRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	opts = opts.withDefaults()
	switch opts.Backpressure {
	case Block, Reject:
	default:
		return nil, fmt.Errorf("ruleflow: unknown backpressure policy %q", opts.Backpressure)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	e := &Engine{
		opts:     opts,
		registry: registry,
		queue:    queue,
		log:      logging.Component(logger, "dispatch"),
		metrics:  metrics,
		jobs:     make(chan unit, opts.Backlog),
		quit:     make(chan struct{}),
		waitLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for i := 0; i < opts.Workers; i++ {
		e.startWorker(false)
	}
	return e, nil
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Workers returns the number of running workers.
func (e *Engine) Workers() int { return int(e.running.Load()) }

// Backlog returns the number of queued units.
func (e *Engine) Backlog() int { return len(e.jobs) }

// Submit queues one unit per message. done is called once, on a worker
// goroutine, after the last accepted unit finished; it is not called when no
// unit was accepted. Under Reject the returned count tells how many leading
// messages were taken; the rest must be submitted again.
func (e *Engine) Submit(ctx context.Context, msgs []broker.RawMessage, done func(BatchResult)) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	e.submitters.Add(1)
	e.mu.Unlock()
	defer e.submitters.Done()

	b := &batch{done: done}
	b.pending.Store(1)
	var err error
	for _, msg := range msgs {
		b.pending.Add(1)
		b.units++
		if err = e.enqueue(ctx, unit{msg: msg, batch: b}); err != nil {
			b.units--
			b.pending.Add(-1)
			break
		}
	}
	accepted := b.units
	b.release(e.metrics)
	return accepted, err
}

func (e *Engine) enqueue(ctx context.Context, u unit) error {
	select {
	case e.jobs <- u:
		e.metrics.SetBacklog(len(e.jobs))
		return nil
	default:
	}

	if e.startBurstWorker() {
		select {
		case e.jobs <- u:
			e.metrics.SetBacklog(len(e.jobs))
			return nil
		default:
		}
	}

	if e.opts.Backpressure == Reject {
		e.metrics.RecordRejected()
		return ErrBacklogFull
	}

	e.waitLog.Do(func() {
		e.log.Info("Dispatch backlog full, waiting for a worker", logging.LogFields{
			"backlog": e.opts.Backlog,
			"workers": e.Workers(),
		})
	})
	select {
	case e.jobs <- u:
		e.metrics.SetBacklog(len(e.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
}

func (e *Engine) startBurstWorker() bool {
	for {
		n := e.running.Load()
		if int(n) >= e.opts.MaxWorkers {
			return false
		}
		if e.running.CompareAndSwap(n, n+1) {
			e.launch(true)
			return true
		}
	}
}

func (e *Engine) startWorker(burst bool) {
	e.running.Add(1)
	e.launch(burst)
}

func (e *Engine) launch(burst bool) {
	e.metrics.SetActiveWorkers(int(e.running.Load()))
	e.workers.Add(1)
	go e.work(burst)
}

func (e *Engine) work(burst bool) {
	defer e.workers.Done()
	defer func() {
		e.metrics.SetActiveWorkers(int(e.running.Add(-1)))
	}()

	if !burst {
		for u := range e.jobs {
			e.run(u)
		}
		return
	}

	idle := time.NewTimer(e.opts.IdleWorkerTimeout)
	defer idle.Stop()
	for {
		select {
		case u, ok := <-e.jobs:
			if !ok {
				return
			}
			e.run(u)
			idle.Reset(e.opts.IdleWorkerTimeout)
		case <-idle.C:
			return
		}
	}
}

func (e *Engine) run(u unit) {
	e.metrics.SetBacklog(len(e.jobs))
	start := time.Now()
	msg := u.msg

	ctx, span := e.opts.Tracer.Start(e.opts.BaseContext, "ruleflow.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.destination.partition.id", int(msg.PartitionIndex)),
			attribute.Int64("messaging.message.offset", msg.Offset),
		),
	)
	defer func() {
		span.End()
		e.metrics.ObserveUnit(msg.Topic, time.Since(start))
		u.batch.release(e.metrics)
	}()

	rec, err := record.Normalize(msg)
	if err != nil {
		e.log.Error("Skipping malformed record", err, logging.LogFields{
			"topic":     msg.Topic,
			"partition": msg.PartitionIndex,
			"offset":    msg.Offset,
		})
		e.metrics.RecordMalformed(msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed record")
		if pos := positionOf(msg); pos != nil {
			u.batch.add(func(r *BatchResult) { r.Malformed = append(r.Malformed, pos) })
		}
		return
	}
	e.metrics.RecordNormalized(rec.Partition.Topic)

	var tally BatchResult
	e.registry.Range(func(entry chain.Entry) bool {
		e.runJob(ctx, rec, entry, &tally)
		return true
	})
	span.SetAttributes(
		attribute.Int("ruleflow.offers", tally.Offers),
		attribute.Int("ruleflow.drops", tally.Drops),
	)
	if tally.ChainFailures+tally.OfferFailures > 0 {
		span.SetStatus(codes.Error, "rule failures")
	}

	u.batch.add(func(r *BatchResult) {
		r.Records = append(r.Records, rec)
		r.Offers += tally.Offers
		r.Drops += tally.Drops
		r.ChainFailures += tally.ChainFailures
		r.OfferFailures += tally.OfferFailures
		if tally.OfferFailures > 0 {
			r.Failed = append(r.Failed, rec)
		}
	})
}

// runJob applies one rule to one record. Failures stay inside this job.
func (e *Engine) runJob(ctx context.Context, rec *record.Record, entry chain.Entry, tally *BatchResult) {
	target := entry.Rule.Target()
	jc := JobContext{
		RuleKey:   entry.Rule.Key(),
		Target:    target,
		Topic:     rec.Partition.Topic,
		Partition: rec.Partition.PartitionIndex,
		Offset:    rec.Offset.NumericOffset,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	hooks := e.opts.Hooks
	if hooks.OnJobStart != nil {
		hooks.OnJobStart(jc)
	}

	out, err := applyChain(ctx, entry.Chain, rec)
	if err != nil {
		jc.Duration = time.Since(jc.StartedAt)
		tally.ChainFailures++
		e.metrics.RecordChainFailure(target)
		e.log.Error("Transform chain failed", err, logging.LogFields{
			"rule":   jc.RuleKey,
			"topic":  jc.Topic,
			"offset": jc.Offset,
		})
		if hooks.OnJobError != nil {
			hooks.OnJobError(jc, err)
		}
		return
	}

	if out != nil {
		if err := e.queue.Offer(ctx, delivery.Offer{Rule: entry.Rule, Record: out}); err != nil {
			jc.Duration = time.Since(jc.StartedAt)
			tally.OfferFailures++
			e.metrics.RecordOfferFailure(target)
			e.log.Error("Offer failed", err, logging.LogFields{
				"rule":   jc.RuleKey,
				"topic":  jc.Topic,
				"offset": jc.Offset,
			})
			if hooks.OnJobError != nil {
				hooks.OnJobError(jc, err)
			}
			return
		}
		tally.Offers++
		e.metrics.RecordOffer(target)
		jc.Offered = true
	} else {
		tally.Drops++
		e.metrics.RecordDrop(target)
	}

	jc.Duration = time.Since(jc.StartedAt)
	if hooks.OnJobDone != nil {
		hooks.OnJobDone(jc)
	}
}

func applyChain(ctx context.Context, c *chain.Chain, rec *record.Record) (out *record.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrChainPanic, r)
		}
	}()
	return c.Apply(ctx, rec)
}

// positionOf returns a record carrying only the position of msg, or nil when
// msg has none.
func positionOf(msg broker.RawMessage) *record.Record {
	if msg.Topic == "" || msg.PartitionIndex < 0 || msg.Offset < 0 {
		return nil
	}
	return &record.Record{
		Partition: record.Partition{Topic: msg.Topic, NodeID: msg.NodeID, PartitionIndex: msg.PartitionIndex},
		Offset:    record.Offset{NumericOffset: msg.Offset},
	}
}

// Close stops intake and waits for queued and running units until ctx is
// done. Units still queued at the deadline are abandoned; their batches never
// complete.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	e.submitters.Wait()
	close(e.jobs)

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d units queued: %w", errspkg.ErrDrainTimeout, len(e.jobs), ctx.Err())
	}
}
