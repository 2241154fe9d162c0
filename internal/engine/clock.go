package engine

import "time"

// Clock supplies the timestamps written to tracker and job log rows.
// Implemented by SystemClock (production) and testutil.FixedClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time truncated to whole seconds, the
// resolution of the storage layout.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
