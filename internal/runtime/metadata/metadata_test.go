package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if base["baz"] != "" {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" {
		t.Fatalf("expected enriched map to add entry")
	}

	merged := enriched.WithAll(Metadata{"alpha": "beta"})
	if merged["alpha"] != "beta" {
		t.Fatalf("expected merged metadata to include new value")
	}
	if merged["baz"] != "qux" {
		t.Fatalf("expected existing entries to persist")
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "another", "entry")
	if md["key"] != "value" {
		t.Fatalf("expected key to be set")
	}
	if md["another"] != "entry" {
		t.Fatalf("expected another entry to be set")
	}
}

func TestFromMessage(t *testing.T) {
	msg := message.NewMessage("id-1", nil)
	msg.Metadata.Set("event", "order")
	msg.Metadata.Set("_watermill_message_uuid", "id-1")

	md := FromMessage(msg)
	if md["event"] != "order" {
		t.Fatalf("expected headers to be copied, got %v", md)
	}
	if _, ok := md["_watermill_message_uuid"]; ok {
		t.Fatal("expected marshaler headers to be dropped")
	}

	md["event"] = "mutation"
	if msg.Metadata.Get("event") != "order" {
		t.Fatal("expected message headers to stay untouched")
	}
}

func TestFromMessageEmpty(t *testing.T) {
	for _, msg := range []*message.Message{nil, message.NewMessage("id", nil)} {
		md := FromMessage(msg)
		if md == nil || len(md) != 0 {
			t.Fatalf("expected an empty non-nil map, got %v", md)
		}
	}
}

func TestAttach(t *testing.T) {
	msg := &message.Message{UUID: "id"}
	Attach(msg, Metadata{"tenant": "acme"})
	if msg.Metadata.Get("tenant") != "acme" {
		t.Fatal("expected header to be attached to a message without metadata")
	}

	Attach(msg, Metadata{"tenant": "globex", KeyRule: "k"})
	if msg.Metadata.Get("tenant") != "globex" || msg.Metadata.Get(KeyRule) != "k" {
		t.Fatalf("expected headers to be replaced, got %v", msg.Metadata)
	}
}

func TestForDelivery(t *testing.T) {
	ts := int64(1700000000000)
	ext := map[string]string{"tenant": "acme", KeyRule: "spoofed"}
	md := ForDelivery(ext, "rule-key", Source{Topic: "orders", Node: "n1", Partition: 2, Offset: 9, Timestamp: &ts}, "application/json")

	want := map[string]string{
		"tenant":           "acme",
		KeyRule:            "rule-key",
		KeySourceTopic:     "orders",
		KeySourceNode:      "n1",
		KeySourcePartition: "2",
		KeySourceOffset:    "9",
		KeyTimestamp:       "1700000000000",
		KeyContentType:     "application/json",
	}
	for k, v := range want {
		if md[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, md[k])
		}
	}
	if len(md) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(md))
	}
	if ext[KeyRule] != "spoofed" {
		t.Fatal("expected extensions to stay untouched")
	}

	if _, ok := ForDelivery(nil, "k", Source{}, "")[KeyTimestamp]; ok {
		t.Fatal("expected no timestamp header without a timestamp")
	}
}
