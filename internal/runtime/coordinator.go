package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/ruleflow/internal/runtime/chain"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
	"github.com/drblury/ruleflow/internal/runtime/subscription"
)

// DefaultChangeBuffer is how many rule changes may wait for the coordinator.
const DefaultChangeBuffer = 64

// Coordinator applies rule-change notifications one at a time, keeping the
// chain registry and the subscriptions in step.
type Coordinator struct {
	registry *chain.Registry
	manager  *subscription.Manager
	log      logging.ServiceLogger

	changes chan rules.Change
	done    chan struct{}

	// applied is called after every change; tests use it to wait.
	applied func(rules.Change, error)
}

func newCoordinator(registry *chain.Registry, manager *subscription.Manager, logger logging.ServiceLogger, buffer int) *Coordinator {
	if buffer <= 0 {
		buffer = DefaultChangeBuffer
	}
	return &Coordinator{
		registry: registry,
		manager:  manager,
		log:      logging.Component(logger, "coordinator"),
		changes:  make(chan rules.Change, buffer),
		done:     make(chan struct{}),
	}
}

// OnRuleChanged queues a change. It blocks while the buffer is full and
// drops the change once the coordinator has stopped.
func (c *Coordinator) OnRuleChanged(name string, configs [][]rules.KeyValue, kind rules.ChangeKind) {
	change := rules.Change{Set: rules.NewRuleSet(name, configs), Kind: kind}
	select {
	case c.changes <- change:
	case <-c.done:
		c.log.Info("Dropping rule change after shutdown", logging.LogFields{
			"rule_set": name,
			"kind":     kind.String(),
		})
	}
}

// run applies queued changes until ctx is done or stop is closed. A change
// being applied when stop closes still completes.
func (c *Coordinator) run(ctx context.Context, stop <-chan struct{}) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case change := <-c.changes:
			err := c.Apply(ctx, change)
			if c.applied != nil {
				c.applied(change, err)
			}
		}
	}
}

// Apply performs one change synchronously. A set without a name or whose
// chains fail to build is rejected as a whole and leaves the registry and
// subscriptions untouched.
func (c *Coordinator) Apply(ctx context.Context, change rules.Change) error {
	set := change.Set
	fields := logging.LogFields{
		"rule_set": set.Name,
		"kind":     change.Kind.String(),
		"rules":    len(set.Rules),
	}
	if set.Name == "" {
		c.log.Error("Rejecting rule change", errspkg.ErrRuleNameRequired, fields)
		return errspkg.ErrRuleNameRequired
	}

	switch change.Kind {
	case rules.Add, rules.Update:
		if err := c.registry.InitOrUpdate(map[string][]rules.Rule{set.Name: set.Rules}); err != nil {
			c.log.Error("Rejecting rule set", err, fields)
			return err
		}
	case rules.Delete:
	default:
		err := fmt.Errorf("ruleflow: unknown change kind %d", change.Kind)
		c.log.Error("Rejecting rule change", err, fields)
		return err
	}

	res, err := c.manager.Refresh(ctx, set, change.Kind)
	if err != nil {
		c.log.Error("Rule change failed", err, fields)
		return err
	}
	if len(res.Removed) > 0 {
		fields["evicted"] = c.registry.Evict(res.Removed...)
	}
	fields["subscribed"] = res.Subscribed
	fields["unsubscribed"] = res.Unsubscribed
	c.log.Info("Rule change applied", fields)
	return nil
}
