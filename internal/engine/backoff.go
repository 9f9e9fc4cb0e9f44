// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package engine

import (
	"math/rand"
	"time"
)

// backoffDelay returns the delay before retry attempt retryCount (0-based):
// base doubled per attempt, capped.
func backoffDelay(base, cap time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// pollJitter spreads worker wakeups so an idle pool does not hammer the
// queue in lockstep. Returns interval +/- 20%.
func pollJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return time.Second
	}
	spread := int64(interval) / 5
	if spread == 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(2*spread)-spread)
}
