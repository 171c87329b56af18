package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ruleflow/internal/runtime/chain"
	"github.com/drblury/ruleflow/internal/runtime/record"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

func apply(t *testing.T, factory chain.StepFactory, params map[string]string, rec *record.Record) (*record.Record, error) {
	t.Helper()
	step, err := factory(params)
	require.NoError(t, err)
	return step.Apply(context.Background(), rec)
}

func jsonRecord(body string) *record.Record {
	return &record.Record{Body: body, Extensions: map[string]string{"region": "eu"}}
}

func TestRegisterAddsBuiltins(t *testing.T) {
	reg := chain.NewStepRegistry()
	Register(reg)
	assert.Equal(t, []string{
		TypeAddExtension, TypeExtensionFilter, TypeExtract, TypeFilter, TypeRenameExtension, TypeSet,
	}, reg.Names())
	assert.True(t, chain.DefaultSteps.Has(TypeFilter))
}

func TestFactoriesValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		factory chain.StepFactory
		params  map[string]string
	}{
		{"filter without path", NewFilter, nil},
		{"extension-filter without key", NewExtensionFilter, map[string]string{"value": "x"}},
		{"set without path", NewSet, map[string]string{"value": "x"}},
		{"set without value", NewSet, map[string]string{"path": "a"}},
		{"set with bad raw flag", NewSet, map[string]string{"path": "a", "value": "1", "raw": "maybe"}},
		{"set with invalid raw json", NewSet, map[string]string{"path": "a", "value": "{", "raw": "true"}},
		{"extract without path", NewExtract, nil},
		{"add-extension without key", NewAddExtension, map[string]string{"value": "v"}},
		{"rename-extension without to", NewRenameExtension, map[string]string{"from": "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.factory(tt.params)
			assert.Error(t, err)
		})
	}
}

func TestFilter(t *testing.T) {
	rec := jsonRecord(`{"type":"order","total":10}`)

	out, err := apply(t, NewFilter, map[string]string{"path": "type", "value": "order"}, rec)
	require.NoError(t, err)
	assert.Same(t, rec, out)

	out, err = apply(t, NewFilter, map[string]string{"path": "type", "value": "refund"}, rec)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = apply(t, NewFilter, map[string]string{"path": "total"}, rec)
	require.NoError(t, err)
	assert.Same(t, rec, out)

	out, err = apply(t, NewFilter, map[string]string{"path": "missing"}, rec)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = apply(t, NewFilter, map[string]string{"path": "type"}, jsonRecord("plain text"))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExtensionFilter(t *testing.T) {
	rec := jsonRecord("{}")

	out, err := apply(t, NewExtensionFilter, map[string]string{"key": "region", "value": "eu"}, rec)
	require.NoError(t, err)
	assert.Same(t, rec, out)

	out, err = apply(t, NewExtensionFilter, map[string]string{"key": "region", "value": "us"}, rec)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = apply(t, NewExtensionFilter, map[string]string{"key": "tenant"}, rec)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSet(t *testing.T) {
	rec := jsonRecord(`{"id":1}`)

	out, err := apply(t, NewSet, map[string]string{"path": "source", "value": "ruleflow"}, rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"source":"ruleflow"}`, out.Body)
	assert.Equal(t, `{"id":1}`, rec.Body)

	out, err = apply(t, NewSet, map[string]string{"path": "meta", "value": `{"v":2}`, "raw": "true"}, rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"meta":{"v":2}}`, out.Body)

	out, err = apply(t, NewSet, map[string]string{"path": "a", "value": "b"}, jsonRecord(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, out.Body)

	_, err = apply(t, NewSet, map[string]string{"path": "a", "value": "b"}, jsonRecord("plain"))
	assert.ErrorIs(t, err, errNotJSON)
}

func TestExtract(t *testing.T) {
	rec := jsonRecord(`{"order":{"id":7,"items":[1,2]}}`)

	out, err := apply(t, NewExtract, map[string]string{"path": "order"}, rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"items":[1,2]}`, out.Body)
	assert.Equal(t, "eu", out.Extensions["region"])

	out, err = apply(t, NewExtract, map[string]string{"path": "refund"}, rec)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = apply(t, NewExtract, map[string]string{"path": "a"}, jsonRecord("{"))
	assert.ErrorIs(t, err, errNotJSON)
}

func TestExtensionSteps(t *testing.T) {
	rec := jsonRecord("{}")

	out, err := apply(t, NewAddExtension, map[string]string{"key": "tenant", "value": "acme"}, rec)
	require.NoError(t, err)
	assert.Equal(t, "acme", out.Extensions["tenant"])
	_, ok := rec.Extensions["tenant"]
	assert.False(t, ok)

	out, err = apply(t, NewRenameExtension, map[string]string{"from": "region", "to": "zone"}, rec)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zone": "eu"}, out.Extensions)
	assert.Equal(t, map[string]string{"region": "eu"}, rec.Extensions)

	out, err = apply(t, NewRenameExtension, map[string]string{"from": "missing", "to": "zone"}, rec)
	require.NoError(t, err)
	assert.Same(t, rec, out)
}

func TestBuiltinsInAChain(t *testing.T) {
	reg := chain.NewStepRegistry()
	Register(reg)
	rule := rules.FromMap(map[string]string{
		"topic":                        "orders",
		"transforms":                   "only-orders,unwrap,tag",
		"transforms.only-orders.type":  TypeFilter,
		"transforms.only-orders.path":  "kind",
		"transforms.only-orders.value": "order",
		"transforms.unwrap.type":       TypeExtract,
		"transforms.unwrap.path":       "payload",
		"transforms.tag.type":          TypeAddExtension,
		"transforms.tag.key":           "routed",
		"transforms.tag.value":         "yes",
	})
	c, err := chain.Build(rule, reg)
	require.NoError(t, err)

	out, err := c.Apply(context.Background(), jsonRecord(`{"kind":"order","payload":{"id":3}}`))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.JSONEq(t, `{"id":3}`, out.Body)
	assert.Equal(t, "yes", out.Extensions["routed"])

	out, err = c.Apply(context.Background(), jsonRecord(`{"kind":"refund","payload":{"id":3}}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}
