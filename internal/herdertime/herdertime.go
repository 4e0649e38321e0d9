// Package herdertime implements the single serialization layer for instants
// that the core uses everywhere a timestamp crosses a process boundary:
// snapshot files, RPC results, log entries. A timestamp is an ISO-8601
// string the instant it leaves Go and a time.Time the instant it enters.
package herdertime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Instant wraps time.Time so it marshals to ISO-8601 and unmarshals from
// either an ISO-8601 string or a prior numeric encoding, matching snapshot
// files written by older schema versions.
type Instant struct {
	time.Time
}

// Now returns the current instant rounded to millisecond precision, the
// resolution the wire format preserves.
func Now() Instant {
	return Instant{time.Now().UTC().Round(time.Millisecond)}
}

// FromTime wraps an existing time.Time.
func FromTime(t time.Time) Instant {
	return Instant{t.UTC().Round(time.Millisecond)}
}

// IsZero reports whether the instant was never set.
func (i Instant) IsZero() bool {
	return i.Time.IsZero()
}

func (i Instant) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(i.Time.Format(time.RFC3339Nano))
}

func (i *Instant) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = Instant{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			t, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("herdertime: unparseable instant %q: %w", s, err)
			}
		}
		*i = Instant{t}
		return nil
	}

	// Fall back to accepting a raw instant (epoch seconds), tolerating
	// schemas that serialized dates as numbers before ISO-8601 adoption.
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("herdertime: value %s is neither ISO-8601 string nor epoch seconds", data)
	}
	*i = Instant{time.Unix(secs, 0).UTC()}
	return nil
}

func (i Instant) String() string {
	if i.IsZero() {
		return ""
	}
	return i.Time.Format(time.RFC3339Nano)
}
