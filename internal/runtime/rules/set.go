package rules

import (
	"fmt"
	"sort"
	"strings"
)

// ChangeKind classifies a rule-change notification.
type ChangeKind int

const (
	Add ChangeKind = iota + 1
	Update
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Add:
		return "ADD"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ParseChangeKind accepts ADD, UPDATE and DELETE in any case.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADD":
		return Add, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	default:
		return 0, fmt.Errorf("rules: unknown change kind %q", s)
	}
}

// RuleSet is a named group of rules, the unit of a change notification.
type RuleSet struct {
	Name  string
	Rules []Rule
}

// NewRuleSet builds a rule set from the external representation: one ordered
// pair list per rule. A rule without a target delivers to the set name, and
// the target is made explicit so the rule's identity includes it.
func NewRuleSet(name string, configs [][]KeyValue) RuleSet {
	set := RuleSet{Name: name, Rules: make([]Rule, 0, len(configs))}
	for _, cfg := range configs {
		r := New(cfg...)
		if r.Target() == "" && name != "" {
			r = New(append(r.Pairs(), KeyValue{Key: KeyTarget, Value: name})...)
		}
		set.Rules = append(set.Rules, r)
	}
	return set
}

// Topics returns the distinct topics referenced by the set.
func (s RuleSet) Topics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.Rules {
		for _, t := range r.Topics() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Change is a single rule-change notification.
type Change struct {
	Set  RuleSet
	Kind ChangeKind
}

// Observer receives rule-change notifications from a configuration source.
type Observer interface {
	OnRuleChanged(name string, configs [][]KeyValue, kind ChangeKind)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(name string, configs [][]KeyValue, kind ChangeKind)

func (f ObserverFunc) OnRuleChanged(name string, configs [][]KeyValue, kind ChangeKind) {
	f(name, configs, kind)
}

// TopicSet is the derived union of topics over a collection of rule sets.
type TopicSet map[string]struct{}

// TopicsOf recomputes the topic union over every rule of every set.
func TopicsOf(sets map[string][]Rule) TopicSet {
	out := make(TopicSet)
	for _, rs := range sets {
		for _, r := range rs {
			for _, t := range r.Topics() {
				out[t] = struct{}{}
			}
		}
	}
	return out
}

// Has reports membership.
func (t TopicSet) Has(topic string) bool {
	_, ok := t[topic]
	return ok
}

// Sorted returns the topics in lexical order.
func (t TopicSet) Sorted() []string {
	out := make([]string, 0, len(t))
	for topic := range t {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Configs renders rules back to the external representation.
func Configs(rs []Rule) [][]KeyValue {
	out := make([][]KeyValue, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Pairs())
	}
	return out
}
