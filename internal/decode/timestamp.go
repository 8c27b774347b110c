package decode

import "time"

// The platform epoch is 2001-01-01T00:00:00Z, a fixed offset from the
// Unix epoch.
const appleEpochOffset = 978307200

// Raw date values at or above this magnitude are nanoseconds since the
// platform epoch; below it they are whole seconds. Disambiguation is by
// magnitude, not by declared schema generation, because exports mix the
// two freely. 1e11 seconds past 2001 is around year 5170, far outside
// any plausible message date, while 1e11 nanoseconds is under two
// minutes past the epoch.
const nanosecondThreshold = int64(100_000_000_000)

// NormalizeTimestamp converts a raw platform date into UTC. Nanosecond
// inputs are truncated to whole seconds; second-granular input loses
// nothing.
func NormalizeTimestamp(raw int64) time.Time {
	secs := raw
	if raw >= nanosecondThreshold {
		secs = raw / 1_000_000_000
	}
	return time.Unix(secs+appleEpochOffset, 0).UTC()
}
