package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// transportPrefix marks headers watermill marshalers add for their own use.
const transportPrefix = "_watermill_"

// FromMessage returns the headers of a pulled message as record properties.
// Headers owned by the watermill marshalers are left out.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if strings.HasPrefix(k, transportPrefix) {
			continue
		}
		result[k] = v
	}
	return result
}

// Attach writes md onto msg. Existing headers of the same name are replaced.
func Attach(msg *message.Message, md Metadata) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(md))
	}
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
}
