package dispatch

import (
	"context"
	"time"

	"github.com/drblury/ruleflow/internal/runtime/logging"
)

// JobContext describes one (record, rule) job to hooks.
type JobContext struct {
	// RuleKey identifies the rule whose chain runs.
	RuleKey string
	// Target is the rule's delivery topic.
	Target string
	// Topic, Partition and Offset locate the source record.
	Topic     string
	Partition int32
	Offset    int64
	// Context is the context the chain runs with.
	Context context.Context
	// StartedAt is when the job started.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Offered reports whether the chain produced a record that was offered
	// (only set in OnJobDone).
	Offered bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
// Hooks run on worker goroutines and must not block.
type JobHooks struct {
	// OnJobStart is called before the rule's chain runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the chain succeeded and its result, if any,
	// was accepted by the queue.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the chain failed or panicked, or the queue
	// refused the offer.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns hooks that log job completion and failure.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Trace("Job completed", logging.LogFields{
				"rule":        ctx.RuleKey,
				"topic":       ctx.Topic,
				"offset":      ctx.Offset,
				"offered":     ctx.Offered,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"rule":        ctx.RuleKey,
				"topic":       ctx.Topic,
				"offset":      ctx.Offset,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that report job outcomes by target and topic.
func MetricsHooks(onStart, onDone, onError func(target, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Target, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Target, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Target, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
