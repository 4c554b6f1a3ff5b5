package client

import "time"

// nextDelay computes the reconnect delay for the given zero-based attempt:
// base doubled per attempt, capped at max. Pure so tests can cover it
// without timers.
func nextDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
