/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package deliveryqueue

import (
	"math"
	"math/rand"
	"time"
)

// QueueConfig is the per-queue retry policy: the base of the exponential
// backoff curve, an optional cap on any single delay, and the overall
// lifetime a message may spend in this queue before it is expired.
type QueueConfig struct {
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration // zero means uncapped
	MaxAge           time.Duration
}

// jitterFunc returns a value in [-1, 1), scaling the +/-30s jitter window
// applied when a message is re-delayed. Overridable by tests for
// deterministic schedules.
var jitterFunc = func() float64 { return rand.Float64()*2 - 1 }

const jitterWindow = 30 * time.Second

func jitter() time.Duration {
	return time.Duration(float64(jitterWindow) * jitterFunc())
}

// delayForAttempt returns retryInterval^(1+attempt) seconds, capped at
// maxRetryInterval when that is set.
func (c QueueConfig) delayForAttempt(attempt int) time.Duration {
	base := c.RetryInterval.Seconds()
	delaySeconds := math.Pow(base, float64(1+attempt))
	d := time.Duration(delaySeconds * float64(time.Second))
	if c.MaxRetryInterval > 0 && d > c.MaxRetryInterval {
		return c.MaxRetryInterval
	}
	return d
}

// inferNumAttempts estimates how many attempts a message of the given age
// would already have made, so a message reloaded from the spool (which only
// records age, not history) can resume the backoff schedule at a plausible
// position.
//
// The uncapped branch (age^(1/retryInterval)) is dimensionally odd --
// retryInterval is a duration's scalar seconds count, and raising an age in
// seconds to the reciprocal of that scalar has no clean physical
// interpretation. It is preserved verbatim rather than "fixed": an open
// question carried over rather than silently resolved, since any
// already-spooled message's retry count depends on it.
func (c QueueConfig) inferNumAttempts(age time.Duration) int {
	ageSeconds := age.Seconds()
	if c.MaxRetryInterval > 0 {
		return int(math.Floor(ageSeconds / c.MaxRetryInterval.Seconds()))
	}
	interval := c.RetryInterval.Seconds()
	if interval <= 0 {
		return 0
	}
	return int(math.Floor(math.Pow(ageSeconds, 1.0/interval)))
}

// computeDelayBasedOnAge sums delayForAttempt(1..numAttempts) (numAttempts
// exclusive) to get the delay the message would already have accrued, then
// returns either "ready now" (delay already exceeded by age), the remaining
// wait, or reports expiry once the accrued delay alone reaches MaxAge.
func (c QueueConfig) computeDelayBasedOnAge(numAttempts int, age time.Duration) (delay time.Duration, expired bool) {
	var overall time.Duration
	for i := 1; i < numAttempts; i++ {
		overall += c.delayForAttempt(i)
	}

	if c.MaxAge > 0 && overall >= c.MaxAge {
		return 0, true
	}
	if overall <= age {
		return 0, false
	}
	return overall - age, false
}
