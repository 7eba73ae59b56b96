package handshake

import (
	"context"
	"time"
)

// WaitFor checks cond immediately and then every interval, at most attempts times
// in total. It reports whether cond became true before the budget or ctx ran out.
func WaitFor(ctx context.Context, interval time.Duration, attempts int, cond func() bool) bool {
	if attempts <= 0 {
		attempts = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if cond() {
			return true
		}
		if i+1 >= attempts {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
