// Package metadata holds the string headers carried by delivered messages and
// the keys ruleflow writes into them.
package metadata

import "strconv"

// Keys written on every delivered message. They take precedence over record
// extensions of the same name.
const (
	KeyRule            = "ruleflow_rule"
	KeySourceTopic     = "ruleflow_source_topic"
	KeySourceNode      = "ruleflow_source_node"
	KeySourcePartition = "ruleflow_source_partition"
	KeySourceOffset    = "ruleflow_source_offset"
	KeyTimestamp       = "ruleflow_timestamp"
	KeyContentType     = "content-type"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Source describes where a delivered record was read from.
type Source struct {
	Topic     string
	Node      string
	Partition int32
	Offset    int64
	Timestamp *int64
}

// ForDelivery builds the headers of a delivered record: its extensions
// overlaid with the rule key and the source position.
func ForDelivery(extensions map[string]string, ruleKey string, src Source, contentType string) Metadata {
	md := Metadata(extensions).WithAll(New(
		KeyRule, ruleKey,
		KeySourceTopic, src.Topic,
		KeySourceNode, src.Node,
		KeySourcePartition, strconv.FormatInt(int64(src.Partition), 10),
		KeySourceOffset, strconv.FormatInt(src.Offset, 10),
		KeyContentType, contentType,
	))
	if src.Timestamp != nil {
		md[KeyTimestamp] = strconv.FormatInt(*src.Timestamp, 10)
	}
	return md
}
