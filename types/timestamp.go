package types

// timestamp.go defines the Unix-second timestamp type used on the wire and
// in the store.

import (
	"time"
)

type Timestamp int64

// CurrentTimestamp returns the current time as a Timestamp.
func CurrentTimestamp() Timestamp {
	return Timestamp(time.Now().Unix())
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}
