// Package record defines the canonical, broker-agnostic record and the
// normalizer that builds it from raw broker messages.
package record

import (
	"strconv"
	"time"
)

// RawMessage is one message as pulled from a broker, before normalization.
type RawMessage struct {
	Topic string
	// NodeID identifies the broker node (or transport) the message came from.
	NodeID string
	// PartitionIndex is the partition or queue index within the topic.
	PartitionIndex int32
	// Offset is the position of the message within its partition.
	Offset     int64
	Body       []byte
	Properties map[string]string
}

// Partition locates the queue a record came from.
type Partition struct {
	Topic          string `json:"topic"`
	NodeID         string `json:"nodeId"`
	PartitionIndex int32  `json:"partitionIndex"`
}

// Offset locates the record inside its partition.
type Offset struct {
	NumericOffset int64 `json:"numericOffset"`
}

// SchemaField describes one field of a structured body.
type SchemaField struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Schema *Schema `json:"schema,omitempty"`
}

// Schema is the optional descriptor carried in the CONNECT_SCHEMA property.
// ruleflow never interprets it beyond decoding.
type Schema struct {
	Name       string            `json:"name,omitempty"`
	Version    int               `json:"version,omitempty"`
	Type       string            `json:"type,omitempty"`
	Optional   bool              `json:"optional,omitempty"`
	Doc        string            `json:"doc,omitempty"`
	Fields     []SchemaField     `json:"fields,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Record is the canonical representation of one ingested message. It is
// immutable once Normalize returns; transform steps that change a record must
// work on a Clone.
type Record struct {
	Partition  Partition         `json:"partition"`
	Offset     Offset            `json:"offset"`
	Timestamp  *int64            `json:"timestamp,omitempty"`
	Schema     *Schema           `json:"schema,omitempty"`
	Body       string            `json:"body"`
	Extensions map[string]string `json:"extensions"`
}

// Time returns the record timestamp, if any.
func (r *Record) Time() (time.Time, bool) {
	if r.Timestamp == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.Timestamp), true
}

// Extension returns the value of an extension key.
func (r *Record) Extension(key string) (string, bool) {
	v, ok := r.Extensions[key]
	return v, ok
}

// Position renders topic/node/partition/offset for logs.
func (r *Record) Position() string {
	return r.Partition.Topic + "/" + r.Partition.NodeID + "/" +
		strconv.Itoa(int(r.Partition.PartitionIndex)) + "@" +
		strconv.FormatInt(r.Offset.NumericOffset, 10)
}

// Clone returns a copy whose extension map and timestamp may be modified
// without affecting r. The schema pointer is shared; schemas are read-only.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Timestamp != nil {
		ts := *r.Timestamp
		out.Timestamp = &ts
	}
	out.Extensions = make(map[string]string, len(r.Extensions))
	for k, v := range r.Extensions {
		out.Extensions[k] = v
	}
	return &out
}
