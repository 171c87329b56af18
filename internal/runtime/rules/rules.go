// Package rules models routing rules: immutable, value-equal key/value
// configurations that each identify one delivery target and its transform
// chain.
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/drblury/ruleflow/internal/runtime/jsoncodec"
)

// Reserved configuration keys.
const (
	// KeyTopic names the source topic(s) a rule listens to. Several topics
	// may be given as a comma-separated list.
	KeyTopic = "topic"
	// KeyTarget names the delivery topic. When absent the rule set name is used.
	KeyTarget = "target"
	// KeyTransforms lists the transform step names in application order.
	KeyTransforms = "transforms"
	// TransformParamPrefix prefixes step parameters: transforms.<step>.<param>.
	TransformParamPrefix = "transforms."
)

// KeyValue is one configuration pair of a rule's external representation.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Rule is an immutable routing rule. Equality is structural: two rules built
// from the same key/value pairs, in any order, share the same Key.
type Rule struct {
	pairs []KeyValue
	key   string
}

// New builds a rule from pairs. A repeated key keeps its last value.
func New(pairs ...KeyValue) Rule {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		m[kv.Key] = kv.Value
	}
	return FromMap(m)
}

// FromMap builds a rule from a configuration map.
func FromMap(m map[string]string) Rule {
	pairs := make([]KeyValue, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, KeyValue{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Quote(kv.Key))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(kv.Value))
	}
	return Rule{pairs: pairs, key: b.String()}
}

// Key is the canonical identity of the rule, used as map key everywhere.
func (r Rule) Key() string { return r.key }

// Equal reports structural equality.
func (r Rule) Equal(other Rule) bool { return r.key == other.key }

// IsZero reports whether the rule has no configuration at all.
func (r Rule) IsZero() bool { return len(r.pairs) == 0 }

// Get returns the value stored under key.
func (r Rule) Get(key string) (string, bool) {
	i := sort.Search(len(r.pairs), func(i int) bool { return r.pairs[i].Key >= key })
	if i < len(r.pairs) && r.pairs[i].Key == key {
		return r.pairs[i].Value, true
	}
	return "", false
}

// Pairs returns a copy of the configuration sorted by key.
func (r Rule) Pairs() []KeyValue {
	out := make([]KeyValue, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// Map returns a copy of the configuration as a map.
func (r Rule) Map() map[string]string {
	out := make(map[string]string, len(r.pairs))
	for _, kv := range r.pairs {
		out[kv.Key] = kv.Value
	}
	return out
}

// Topics returns the distinct, trimmed source topics in declaration order.
func (r Rule) Topics() []string {
	raw, ok := r.Get(KeyTopic)
	if !ok {
		return nil
	}
	return SplitList(raw)
}

// Target returns the configured delivery topic.
func (r Rule) Target() string {
	v, _ := r.Get(KeyTarget)
	return strings.TrimSpace(v)
}

func (r Rule) String() string {
	return fmt.Sprintf("Rule{%s}", r.key)
}

// MarshalJSON renders the rule as its configuration map.
func (r Rule) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(r.Map())
}

// SplitList splits a comma-separated configuration value, dropping blanks and
// duplicates while keeping the first-seen order.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
