// Package transform provides the built-in transform steps. Importing it
// registers them with chain.DefaultSteps.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/drblury/ruleflow/internal/runtime/chain"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

// Step type names.
const (
	TypeFilter          = "filter"
	TypeExtensionFilter = "extension-filter"
	TypeSet             = "set"
	TypeExtract         = "extract"
	TypeAddExtension    = "add-extension"
	TypeRenameExtension = "rename-extension"
)

var errNotJSON = errors.New("body is not JSON")

func init() {
	Register(chain.DefaultSteps)
}

// Register adds the built-in steps to reg.
func Register(reg *chain.StepRegistry) {
	reg.Register(TypeFilter, NewFilter)
	reg.Register(TypeExtensionFilter, NewExtensionFilter)
	reg.Register(TypeSet, NewSet)
	reg.Register(TypeExtract, NewExtract)
	reg.Register(TypeAddExtension, NewAddExtension)
	reg.Register(TypeRenameExtension, NewRenameExtension)
}

func required(params map[string]string, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return v, nil
}

// NewFilter keeps records whose JSON body has path. When value is given the
// result must also equal it. Bodies that are not JSON never match.
func NewFilter(params map[string]string) (chain.Step, error) {
	path, err := required(params, "path")
	if err != nil {
		return nil, err
	}
	want, compare := params["value"]
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if !gjson.Valid(rec.Body) {
			return nil, nil
		}
		res := gjson.Get(rec.Body, path)
		if !res.Exists() {
			return nil, nil
		}
		if compare && res.String() != want {
			return nil, nil
		}
		return rec, nil
	}), nil
}

// NewExtensionFilter keeps records carrying extension key, equal to value
// when value is given.
func NewExtensionFilter(params map[string]string) (chain.Step, error) {
	key, err := required(params, "key")
	if err != nil {
		return nil, err
	}
	want, compare := params["value"]
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		got, ok := rec.Extension(key)
		if !ok || (compare && got != want) {
			return nil, nil
		}
		return rec, nil
	}), nil
}

// NewSet writes value at path in the JSON body. With raw=true the value is
// inserted as JSON instead of as a string.
func NewSet(params map[string]string) (chain.Step, error) {
	path, err := required(params, "path")
	if err != nil {
		return nil, err
	}
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("parameter %q is required", "value")
	}
	raw := false
	if v, ok := params["raw"]; ok {
		if raw, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", "raw", err)
		}
		if raw && !gjson.Valid(value) {
			return nil, fmt.Errorf("parameter %q is not valid JSON", "value")
		}
	}
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		body := rec.Body
		if body == "" {
			body = "{}"
		}
		if !gjson.Valid(body) {
			return nil, errNotJSON
		}
		var updated string
		var err error
		if raw {
			updated, err = sjson.SetRaw(body, path, value)
		} else {
			updated, err = sjson.Set(body, path, value)
		}
		if err != nil {
			return nil, err
		}
		out := rec.Clone()
		out.Body = updated
		return out, nil
	}), nil
}

// NewExtract replaces the body with the JSON found at path. A missing path
// drops the record.
func NewExtract(params map[string]string) (chain.Step, error) {
	path, err := required(params, "path")
	if err != nil {
		return nil, err
	}
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if !gjson.Valid(rec.Body) {
			return nil, errNotJSON
		}
		res := gjson.Get(rec.Body, path)
		if !res.Exists() {
			return nil, nil
		}
		out := rec.Clone()
		out.Body = res.Raw
		return out, nil
	}), nil
}

// NewAddExtension sets extension key to value.
func NewAddExtension(params map[string]string) (chain.Step, error) {
	key, err := required(params, "key")
	if err != nil {
		return nil, err
	}
	value := params["value"]
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		out := rec.Clone()
		out.Extensions[key] = value
		return out, nil
	}), nil
}

// NewRenameExtension moves extension from to to. Records without from pass
// unchanged.
func NewRenameExtension(params map[string]string) (chain.Step, error) {
	from, err := required(params, "from")
	if err != nil {
		return nil, err
	}
	to, err := required(params, "to")
	if err != nil {
		return nil, err
	}
	return chain.StepFunc(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		value, ok := rec.Extension(from)
		if !ok {
			return rec, nil
		}
		out := rec.Clone()
		delete(out.Extensions, from)
		out.Extensions[to] = value
		return out, nil
	}), nil
}
