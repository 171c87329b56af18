// Package ids mints the message IDs stamped on delivered records.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a ULID for the current time.
func CreateULID() string {
	return At(time.Now())
}

// At returns a ULID whose time component is t. IDs minted within the same
// millisecond are strictly increasing.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ForRecord stamps an ID with a record's event time in epoch millis, or the
// current time when the record has none.
func ForRecord(timestampMillis *int64) string {
	if timestampMillis == nil || *timestampMillis < 0 || uint64(*timestampMillis) > ulid.MaxTime() {
		return CreateULID()
	}
	return At(time.UnixMilli(*timestampMillis))
}

// Time returns the time component of id.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
