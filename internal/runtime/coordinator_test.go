package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ruleflow/internal/runtime/broker/memory"
	"github.com/drblury/ruleflow/internal/runtime/chain"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
	"github.com/drblury/ruleflow/internal/runtime/subscription"
)

func topicRule(topics string) []rules.KeyValue {
	return []rules.KeyValue{{Key: rules.KeyTopic, Value: topics}}
}

func brokenRule(topics string) []rules.KeyValue {
	return []rules.KeyValue{
		{Key: rules.KeyTopic, Value: topics},
		{Key: rules.KeyTransforms, Value: "x"},
		{Key: "transforms.x.type", Value: "no-such-step"},
	}
}

func change(name string, kind rules.ChangeKind, configs ...[]rules.KeyValue) rules.Change {
	return rules.Change{Set: rules.NewRuleSet(name, configs), Kind: kind}
}

type coordinatorFixture struct {
	broker      *memory.Broker
	registry    *chain.Registry
	manager     *subscription.Manager
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, initial map[string][]rules.Rule) *coordinatorFixture {
	t.Helper()
	b := memory.New()
	reg := chain.NewRegistry(nil, logging.Nop())
	require.NoError(t, reg.InitOrUpdate(initial))
	mgr, err := subscription.New(context.Background(), b, initial, logging.Nop())
	require.NoError(t, err)
	return &coordinatorFixture{
		broker:      b,
		registry:    reg,
		manager:     mgr,
		coordinator: newCoordinator(reg, mgr, logging.Nop(), 4),
	}
}

func TestCoordinatorApplyAdd(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	require.NoError(t, f.coordinator.Apply(context.Background(), change("audit", rules.Add, topicRule("orders, refunds"))))

	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, []string{"orders", "refunds"}, f.broker.Subscribed())
	assert.Equal(t, []string{"orders", "refunds"}, f.manager.Topics())
}

func TestCoordinatorApplyUpdateEvictsReplacedRules(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Add, topicRule("orders"))))
	old := f.registry.Snapshot()[0].Rule

	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Update, topicRule("invoices"))))

	assert.False(t, f.registry.Has(old))
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, []string{"invoices"}, f.broker.Subscribed())
	assert.Equal(t, 1, f.broker.UnsubscribeCalls("orders"))
}

func TestCoordinatorApplyUpdateKeepsSharedRules(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Add, topicRule("orders"))))

	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Update, topicRule("orders"), topicRule("invoices"))))

	assert.Equal(t, 2, f.registry.Len())
	assert.Equal(t, 1, f.broker.SubscribeCalls("orders"), "an unchanged topic is not subscribed again")
	assert.Equal(t, []string{"invoices", "orders"}, f.broker.Subscribed())
}

func TestCoordinatorApplyDelete(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Add, topicRule("orders"))))
	require.NoError(t, f.coordinator.Apply(ctx, change("billing", rules.Add, topicRule("invoices"))))

	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Delete)))

	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, []string{"invoices"}, f.broker.Subscribed())
	assert.NotContains(t, f.manager.Active(), "audit")
}

func TestCoordinatorRejectsBrokenSet(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Apply(ctx, change("audit", rules.Add, topicRule("orders"))))

	err := f.coordinator.Apply(ctx, change("audit", rules.Update, topicRule("orders"), brokenRule("invoices")))
	require.Error(t, err)

	assert.Equal(t, 1, f.registry.Len(), "a rejected set leaves the registry untouched")
	assert.Equal(t, []string{"orders"}, f.broker.Subscribed())
	assert.Zero(t, f.broker.SubscribeCalls("invoices"))
}

func TestCoordinatorRejectsUnnamedSet(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	err := f.coordinator.Apply(context.Background(), change("", rules.Add, topicRule("orders")))
	require.ErrorIs(t, err, errspkg.ErrRuleNameRequired)

	assert.Zero(t, f.registry.Len(), "no chains are registered for an unnamed set")
	assert.Empty(t, f.broker.Subscribed())
}

func TestCoordinatorRejectsUnknownKind(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	err := f.coordinator.Apply(context.Background(), change("audit", rules.ChangeKind(42), topicRule("orders")))
	require.Error(t, err)
	assert.Empty(t, f.broker.Subscribed())
}

func TestCoordinatorRunAppliesInOrder(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	applied := make(chan rules.Change, 8)
	f.coordinator.applied = func(c rules.Change, err error) {
		assert.NoError(t, err)
		applied <- c
	}

	// Changes queued before run starts are kept.
	f.coordinator.OnRuleChanged("audit", [][]rules.KeyValue{topicRule("orders")}, rules.Add)
	f.coordinator.OnRuleChanged("audit", [][]rules.KeyValue{topicRule("invoices")}, rules.Update)

	stop := make(chan struct{})
	go f.coordinator.run(context.Background(), stop)

	for _, want := range []rules.ChangeKind{rules.Add, rules.Update} {
		select {
		case c := <-applied:
			assert.Equal(t, want, c.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("change not applied")
		}
	}
	assert.Equal(t, []string{"invoices"}, f.broker.Subscribed())

	close(stop)
	select {
	case <-f.coordinator.done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinatorDropsChangesAfterStop(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	stop := make(chan struct{})
	close(stop)
	f.coordinator.run(context.Background(), stop)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			f.coordinator.OnRuleChanged("audit", [][]rules.KeyValue{topicRule("orders")}, rules.Add)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnRuleChanged blocked after stop")
	}
	assert.Empty(t, f.broker.Subscribed())
}
