package analytics

import (
	"sync/atomic"
	"time"
)

var lastVersion atomic.Uint64

// writeVersion returns a process-monotonic stamp, nanosecond wall clock
// bumped past the previous stamp when the clock stalls or steps back.
func writeVersion() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		prev := lastVersion.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastVersion.CompareAndSwap(prev, now) {
			return now
		}
	}
}
