package domain

import "time"

// RetryDelay returns how long to wait before re-queueing a job after the
// given attempt (1-based). Exponential, base*2^(attempt-1), capped so a
// systematically broken input cannot hot-loop.
func RetryDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
