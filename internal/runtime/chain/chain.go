package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/ruleflow/internal/runtime/record"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

// TypeParam selects the step factory. It defaults to the step name.
const TypeParam = "type"

// BuildError reports a rule whose chain cannot be compiled.
type BuildError struct {
	RuleKey string
	Step    string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("ruleflow: invalid rule %s: %v", e.RuleKey, e.Err)
	}
	return fmt.Sprintf("ruleflow: invalid rule %s: step %q: %v", e.RuleKey, e.Step, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type namedStep struct {
	name string
	step Step
}

// Chain is the ordered list of steps compiled from one rule.
type Chain struct {
	rule  rules.Rule
	steps []namedStep
}

// Rule returns the rule the chain was compiled from.
func (c *Chain) Rule() rules.Rule { return c.rule }

// Len returns the number of steps.
func (c *Chain) Len() int { return len(c.steps) }

// StepNames returns the step names in application order.
func (c *Chain) StepNames() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.name
	}
	return names
}

// Apply runs rec through every step. A nil result means the record is absent
// for this rule; later steps are not run.
func (c *Chain) Apply(ctx context.Context, rec *record.Record) (*record.Record, error) {
	current := rec
	for _, s := range c.steps {
		next, err := s.step.Apply(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.name, err)
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// Build compiles rule against steps. A rule without transforms yields the
// identity chain.
func Build(rule rules.Rule, steps *StepRegistry) (*Chain, error) {
	if len(rule.Topics()) == 0 {
		return nil, &BuildError{RuleKey: rule.Key(), Err: fmt.Errorf("missing %q", rules.KeyTopic)}
	}

	chain := &Chain{rule: rule}
	raw, _ := rule.Get(rules.KeyTransforms)
	if strings.TrimSpace(raw) == "" {
		return chain, nil
	}
	if steps == nil {
		steps = DefaultSteps
	}

	seen := make(map[string]struct{})
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &BuildError{RuleKey: rule.Key(), Err: fmt.Errorf("empty step name in %q", raw)}
		}
		if _, dup := seen[name]; dup {
			return nil, &BuildError{RuleKey: rule.Key(), Step: name, Err: errors.New("listed twice")}
		}
		seen[name] = struct{}{}

		params := StepParams(rule, name)
		typeName := name
		if t, ok := params[TypeParam]; ok {
			typeName = t
			delete(params, TypeParam)
		}
		step, err := steps.Build(typeName, params)
		if err != nil {
			return nil, &BuildError{RuleKey: rule.Key(), Step: name, Err: err}
		}
		chain.steps = append(chain.steps, namedStep{name: name, step: step})
	}
	return chain, nil
}

// StepParams collects the transforms.<step>.<param> pairs of rule.
func StepParams(rule rules.Rule, step string) map[string]string {
	prefix := rules.TransformParamPrefix + step + "."
	params := make(map[string]string)
	for _, kv := range rule.Pairs() {
		if strings.HasPrefix(kv.Key, prefix) {
			params[strings.TrimPrefix(kv.Key, prefix)] = kv.Value
		}
	}
	return params
}
