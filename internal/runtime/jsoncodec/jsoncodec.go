// Package jsoncodec is the JSON codec used for records, rules and the status
// document. Map keys are always sorted so encoded rules are stable.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalString decodes a header value without copying it into a byte slice.
func UnmarshalString(s string, v any) error {
	return api.UnmarshalFromString(s, v)
}

// Fields renders v as a generic JSON object.
func Fields(v any) (map[string]any, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := api.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return api.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}
