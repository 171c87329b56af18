package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleEqualityIsStructural(t *testing.T) {
	a := New(KeyValue{"topic", "orders"}, KeyValue{"target", "crm"})
	b := New(KeyValue{"target", "crm"}, KeyValue{"topic", "orders"})
	c := FromMap(map[string]string{"topic": "orders", "target": "crm"})

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(c))
	assert.Equal(t, a.Key(), c.Key())

	d := New(KeyValue{"topic", "orders"}, KeyValue{"target", "erp"})
	assert.False(t, a.Equal(d))
}

func TestRuleKeyIsInjective(t *testing.T) {
	a := New(KeyValue{"a", "b;\"c\"=d"})
	b := New(KeyValue{"a", "b"}, KeyValue{"c", "d"})
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestRuleRepeatedKeyKeepsLast(t *testing.T) {
	r := New(KeyValue{"topic", "a"}, KeyValue{"topic", "b"})
	v, ok := r.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Len(t, r.Pairs(), 1)
}

func TestRuleIsImmutable(t *testing.T) {
	r := New(KeyValue{"topic", "orders"})
	pairs := r.Pairs()
	pairs[0].Value = "mutated"
	m := r.Map()
	m["topic"] = "mutated"

	v, _ := r.Get("topic")
	assert.Equal(t, "orders", v)
}

func TestRuleTopics(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want []string
	}{
		{"single", New(KeyValue{"topic", "A"}), []string{"A"}},
		{"list", New(KeyValue{"topic", " A, B ,,A"}), []string{"A", "B"}},
		{"missing", New(KeyValue{"target", "x"}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Topics())
		})
	}
}

func TestRuleGetMissing(t *testing.T) {
	r := New(KeyValue{"b", "1"})
	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.False(t, ok)
	assert.True(t, Rule{}.IsZero())
}

func TestRuleMarshalJSON(t *testing.T) {
	r := New(KeyValue{"topic", "orders"}, KeyValue{"target", "crm"})
	data, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"orders","target":"crm"}`, string(data))
}

func TestTopicsOfUnion(t *testing.T) {
	sets := map[string][]Rule{
		"first":  {New(KeyValue{"topic", "A,B"})},
		"second": {New(KeyValue{"topic", "B"}), New(KeyValue{"topic", "C"})},
	}
	assert.Equal(t, []string{"A", "B", "C"}, TopicsOf(sets).Sorted())
	assert.True(t, TopicsOf(sets).Has("C"))
	assert.False(t, TopicsOf(nil).Has("C"))
}

func TestNewRuleSet(t *testing.T) {
	set := NewRuleSet("crm", [][]KeyValue{
		{{"topic", "A"}, {"target", "x"}},
		{{"topic", "B,A"}},
	})
	require.Len(t, set.Rules, 2)
	assert.Equal(t, "crm", set.Name)
	assert.Equal(t, []string{"A", "B"}, set.Topics())
	assert.Len(t, Configs(set.Rules), 2)

	assert.Equal(t, "x", set.Rules[0].Target())
	assert.Equal(t, "crm", set.Rules[1].Target())
	other := NewRuleSet("billing", [][]KeyValue{{{"topic", "B,A"}}})
	assert.False(t, other.Rules[0].Equal(set.Rules[1]))
}

func TestChangeKind(t *testing.T) {
	for _, k := range []ChangeKind{Add, Update, Delete} {
		parsed, err := ParseChangeKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	parsed, err := ParseChangeKind(" delete ")
	require.NoError(t, err)
	assert.Equal(t, Delete, parsed)

	_, err = ParseChangeKind("RENAME")
	assert.Error(t, err)
	assert.Equal(t, "ChangeKind(9)", ChangeKind(9).String())
}

func TestObserverFunc(t *testing.T) {
	var got string
	var obs Observer = ObserverFunc(func(name string, _ [][]KeyValue, kind ChangeKind) {
		got = name + ":" + kind.String()
	})
	obs.OnRuleChanged("crm", nil, Update)
	assert.Equal(t, "crm:UPDATE", got)
}
