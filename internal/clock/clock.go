// Package clock provides an injectable wall-clock source so callers that
// gate on "now" can be exercised deterministically in tests.
package clock

import "time"

// Source returns the current time. Tests substitute a fixed-time func;
// production code uses Real.
type Source func() time.Time

// Real is the production time source.
func Real() time.Time { return time.Now() }
