package session

import (
	"math/rand/v2"
	"time"
)

// Delay returns how long to wait before connect attempt n+1 after attempt n
// failed. Attempts are 1-based; jitter scales the result into [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}
