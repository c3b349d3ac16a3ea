package engine

import "time"

const (
	backoffBase = time.Second
	backoffMax  = 10 * time.Second
)

// backoff returns the delay before retry attempt n (0-based): the base
// doubles each attempt and is capped, 1s, 2s, 4s, 8s, 10s, 10s, ...
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
