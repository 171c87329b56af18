package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/drblury/ruleflow/internal/runtime/jsoncodec"
)

// Reserved property keys read during normalization and not copied into the
// extension bag.
const (
	PropertyTimestamp = "CONNECT_TIMESTAMP"
	PropertySchema    = "CONNECT_SCHEMA"
)

const (
	// SystemPrefix is prepended to system-reserved property keys.
	SystemPrefix = "MQ-SYS-"
	// ExtensionPrefix marks properties that are stored without the prefix.
	ExtensionPrefix = "connect-ext-"
)

// Namespace is the class a property key falls into.
type Namespace int

const (
	Passthrough Namespace = iota
	SystemReserved
	ExtensionPrefixed
)

func (n Namespace) String() string {
	switch n {
	case SystemReserved:
		return "system-reserved"
	case ExtensionPrefixed:
		return "extension-prefixed"
	default:
		return "passthrough"
	}
}

var systemReserved = map[string]struct{}{
	"MIN_OFFSET": {},
	"TRACE_ON":   {},
	"MAX_OFFSET": {},
	"MSG_REGION": {},
	"UNIQ_KEY":   {},
	"WAIT":       {},
	"TAGS":       {},
}

// IsSystemReserved reports whether key belongs to the broker's reserved set.
func IsSystemReserved(key string) bool {
	_, ok := systemReserved[key]
	return ok
}

// SystemReservedKeys returns a fresh copy of the reserved set.
func SystemReservedKeys() []string {
	out := make([]string, 0, len(systemReserved))
	for k := range systemReserved {
		out = append(out, k)
	}
	return out
}

// Classify maps a property key to its namespace and the key it is stored
// under. It depends on the key string alone.
func Classify(key string) (Namespace, string) {
	switch {
	case IsSystemReserved(key):
		return SystemReserved, SystemPrefix + key
	case strings.HasPrefix(key, ExtensionPrefix):
		return ExtensionPrefixed, strings.TrimPrefix(key, ExtensionPrefix)
	default:
		return Passthrough, key
	}
}

// MalformedRecordError reports a raw message that cannot be normalized.
type MalformedRecordError struct {
	Topic  string
	Offset int64
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	msg := fmt.Sprintf("ruleflow: malformed record %s@%d: %s", e.Topic, e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is, or wraps, a MalformedRecordError.
func IsMalformed(err error) bool {
	var target *MalformedRecordError
	return errors.As(err, &target)
}

// Normalize builds the canonical record for msg. It has no side effects.
func Normalize(msg RawMessage) (*Record, error) {
	malformed := func(reason string, err error) error {
		return &MalformedRecordError{Topic: msg.Topic, Offset: msg.Offset, Reason: reason, Err: err}
	}

	if msg.Topic == "" {
		return nil, malformed("missing topic", nil)
	}
	if msg.PartitionIndex < 0 {
		return nil, malformed("negative partition index", nil)
	}
	if msg.Offset < 0 {
		return nil, malformed("negative offset", nil)
	}
	if !utf8.Valid(msg.Body) {
		return nil, malformed("body is not valid UTF-8", nil)
	}

	rec := &Record{
		Partition: Partition{
			Topic:          msg.Topic,
			NodeID:         msg.NodeID,
			PartitionIndex: msg.PartitionIndex,
		},
		Offset:     Offset{NumericOffset: msg.Offset},
		Body:       string(msg.Body),
		Extensions: make(map[string]string, len(msg.Properties)),
	}

	if raw := msg.Properties[PropertyTimestamp]; raw != "" {
		ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, malformed("invalid "+PropertyTimestamp, err)
		}
		rec.Timestamp = &ts
	}
	if raw := msg.Properties[PropertySchema]; raw != "" {
		var schema Schema
		if err := jsoncodec.UnmarshalString(raw, &schema); err != nil {
			return nil, malformed("invalid "+PropertySchema, err)
		}
		rec.Schema = &schema
	}

	// Keys of different namespaces can land on the same stored key
	// ("foo" and "connect-ext-foo"). Passthrough is written first so the
	// explicit namespaces win, whatever the map iteration order.
	for _, pass := range [...]Namespace{Passthrough, ExtensionPrefixed, SystemReserved} {
		for key, value := range msg.Properties {
			if key == PropertyTimestamp || key == PropertySchema {
				continue
			}
			if ns, stored := Classify(key); ns == pass {
				rec.Extensions[stored] = value
			}
		}
	}
	return rec, nil
}
