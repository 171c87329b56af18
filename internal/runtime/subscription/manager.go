// Package subscription keeps the broker's topic subscriptions consistent with
// the set of active routing rules.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/ruleflow/internal/runtime/broker"
	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

// ErrBootstrap wraps the failure that prevented the initial subscription.
var ErrBootstrap = errors.New("ruleflow: subscription bootstrap failed")

// RefreshResult summarizes the broker calls one Refresh made.
type RefreshResult struct {
	Subscribed   []string
	Unsubscribed []string
	Failed       []string
	// Removed lists the rules that are no longer referenced by any active
	// rule set after the change.
	Removed []rules.Rule
}

// Manager tracks active rule sets and the topics subscribed on their behalf.
// A topic is subscribed iff an active rule references it, up to failed
// broker calls that the next Refresh repairs.
type Manager struct {
	client broker.Client
	log    logging.ServiceLogger

	mu         sync.Mutex
	active     map[string][]rules.Rule
	subscribed rules.TopicSet
}

// New subscribes every topic referenced by initial. Any failure is fatal:
// topics subscribed so far are unsubscribed again and ErrBootstrap is returned.
func New(ctx context.Context, client broker.Client, initial map[string][]rules.Rule, logger logging.ServiceLogger) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: broker client is required", ErrBootstrap)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		client:     client,
		log:        logging.Component(logger, "subscription"),
		active:     make(map[string][]rules.Rule, len(initial)),
		subscribed: make(rules.TopicSet),
	}
	for name, set := range initial {
		m.active[name] = append([]rules.Rule(nil), set...)
	}

	for _, topic := range rules.TopicsOf(m.active).Sorted() {
		if err := client.Subscribe(ctx, topic); err != nil {
			m.rollback(ctx)
			return nil, fmt.Errorf("%w: topic %q: %w", ErrBootstrap, topic, err)
		}
		m.subscribed[topic] = struct{}{}
	}

	m.log.Info("Subscriptions bootstrapped", logging.LogFields{
		"rule_sets": len(m.active),
		"topics":    m.subscribed.Sorted(),
	})
	return m, nil
}

func (m *Manager) rollback(ctx context.Context) {
	for _, topic := range m.subscribed.Sorted() {
		if err := m.client.Unsubscribe(ctx, topic); err != nil {
			m.log.Error("Rollback unsubscribe failed", err, logging.LogFields{"topic": topic})
		}
	}
	m.subscribed = make(rules.TopicSet)
}

// Refresh applies one rule-set change and reconciles the subscriptions with
// the resulting topic set. Broker failures are logged and reported in the
// result, never returned: the error is only for an invalid change.
func (m *Manager) Refresh(ctx context.Context, set rules.RuleSet, kind rules.ChangeKind) (RefreshResult, error) {
	if set.Name == "" {
		return RefreshResult{}, errspkg.ErrRuleNameRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.active[set.Name]
	switch kind {
	case rules.Add, rules.Update:
		m.active[set.Name] = append([]rules.Rule(nil), set.Rules...)
	case rules.Delete:
		delete(m.active, set.Name)
	default:
		return RefreshResult{}, fmt.Errorf("ruleflow: unknown change kind %d", kind)
	}

	result := m.reconcile(ctx)
	result.Removed = m.unreferenced(previous)

	m.log.Debug("Subscriptions refreshed", logging.LogFields{
		"rule_set":     set.Name,
		"kind":         kind.String(),
		"subscribed":   result.Subscribed,
		"unsubscribed": result.Unsubscribed,
		"failed":       result.Failed,
	})
	return result, nil
}

func (m *Manager) reconcile(ctx context.Context) RefreshResult {
	var result RefreshResult
	wanted := rules.TopicsOf(m.active)

	for _, topic := range wanted.Sorted() {
		if m.subscribed.Has(topic) {
			continue
		}
		if err := m.client.Subscribe(ctx, topic); err != nil {
			m.log.Error("Subscribe failed", err, logging.LogFields{"topic": topic})
			result.Failed = append(result.Failed, topic)
			continue
		}
		m.subscribed[topic] = struct{}{}
		result.Subscribed = append(result.Subscribed, topic)
	}

	for _, topic := range m.subscribed.Sorted() {
		if wanted.Has(topic) {
			continue
		}
		if err := m.client.Unsubscribe(ctx, topic); err != nil {
			m.log.Error("Unsubscribe failed", err, logging.LogFields{"topic": topic})
			result.Failed = append(result.Failed, topic)
			continue
		}
		delete(m.subscribed, topic)
		result.Unsubscribed = append(result.Unsubscribed, topic)
	}
	return result
}

func (m *Manager) unreferenced(candidates []rules.Rule) []rules.Rule {
	if len(candidates) == 0 {
		return nil
	}
	live := make(map[string]struct{})
	for _, set := range m.active {
		for _, r := range set {
			live[r.Key()] = struct{}{}
		}
	}
	var out []rules.Rule
	for _, r := range candidates {
		if _, ok := live[r.Key()]; !ok {
			out = append(out, r)
			live[r.Key()] = struct{}{}
		}
	}
	return out
}

// Topics returns the subscribed topics, sorted.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed.Sorted()
}

// Wanted returns the topics the active rules reference.
func (m *Manager) Wanted() rules.TopicSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rules.TopicsOf(m.active)
}

// Active returns a copy of the active rule sets.
func (m *Manager) Active() map[string][]rules.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]rules.Rule, len(m.active))
	for name, set := range m.active {
		out[name] = append([]rules.Rule(nil), set...)
	}
	return out
}

// Close unsubscribes every topic. Failures are joined.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, topic := range m.subscribed.Sorted() {
		if err := m.client.Unsubscribe(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %q: %w", topic, err))
			continue
		}
		delete(m.subscribed, topic)
	}
	return errors.Join(errs...)
}
