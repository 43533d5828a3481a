package tracking

import (
	"sync"
	"time"
)

const dailyWindow = 24 * time.Hour

// RateLimiter admits requests against two independent sliding windows: a
// short interval window and a 24h window, each with its own ceiling. A
// request is admitted only when both windows are below ceiling; admission
// appends the current timestamp to both.
type RateLimiter struct {
	mu sync.Mutex

	interval        time.Duration
	intervalCeiling int
	dailyCeiling    int

	intervalTimes []time.Time
	dailyTimes    []time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter admitting at most perInterval requests in
// any window of the given length and at most perDay in any 24h window.
func NewRateLimiter(perInterval int, interval time.Duration, perDay int) *RateLimiter {
	return &RateLimiter{
		interval:        interval,
		intervalCeiling: perInterval,
		dailyCeiling:    perDay,
		now:             time.Now,
	}
}

// TryAcquire reports whether a slot is available and, if so, atomically
// records the request. Non-blocking; denied callers must back off or surface
// a rate-limit error, never retry immediately.
func (rl *RateLimiter) TryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.prune(now)

	if len(rl.intervalTimes) >= rl.intervalCeiling || len(rl.dailyTimes) >= rl.dailyCeiling {
		return false
	}

	rl.intervalTimes = append(rl.intervalTimes, now)
	rl.dailyTimes = append(rl.dailyTimes, now)
	return true
}

// TimeUntilNextSlot returns how long until the oldest blocking window entry
// expires, for callers that would rather wait than fail. Zero when a slot is
// already available.
func (rl *RateLimiter) TimeUntilNextSlot() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.prune(now)

	var wait time.Duration
	if len(rl.intervalTimes) > 0 && len(rl.intervalTimes) >= rl.intervalCeiling {
		if d := rl.intervalTimes[0].Add(rl.interval).Sub(now); d > wait {
			wait = d
		}
	}
	if len(rl.dailyTimes) > 0 && len(rl.dailyTimes) >= rl.dailyCeiling {
		if d := rl.dailyTimes[0].Add(dailyWindow).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// Remaining returns the number of slots left in the current interval window.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.prune(rl.now())
	return rl.intervalCeiling - len(rl.intervalTimes)
}

// RemainingDaily returns the number of slots left in the 24h window.
func (rl *RateLimiter) RemainingDaily() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.prune(rl.now())
	return rl.dailyCeiling - len(rl.dailyTimes)
}

// prune drops window entries older than each window length. Caller holds mu.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.interval)
	i := 0
	for i < len(rl.intervalTimes) && !rl.intervalTimes[i].After(cutoff) {
		i++
	}
	rl.intervalTimes = rl.intervalTimes[i:]

	dailyCutoff := now.Add(-dailyWindow)
	j := 0
	for j < len(rl.dailyTimes) && !rl.dailyTimes[j].After(dailyCutoff) {
		j++
	}
	rl.dailyTimes = rl.dailyTimes[j:]
}

// PollingRateLimiter extends RateLimiter with an adaptive polling interval:
// multiplicative backoff on failure, gradual recovery on success, bounded by
// the configured min/max.
type PollingRateLimiter struct {
	*RateLimiter

	pollMu      sync.Mutex
	minInterval time.Duration
	maxInterval time.Duration
	current     time.Duration
}

// NewPollingRateLimiter creates an adaptive limiter starting at initial.
func NewPollingRateLimiter(perInterval int, interval time.Duration, perDay int, initial, min, max time.Duration) *PollingRateLimiter {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &PollingRateLimiter{
		RateLimiter: NewRateLimiter(perInterval, interval, perDay),
		minInterval: min,
		maxInterval: max,
		current:     initial,
	}
}

// CurrentPollingInterval returns the interval polls should currently use.
func (prl *PollingRateLimiter) CurrentPollingInterval() time.Duration {
	prl.pollMu.Lock()
	defer prl.pollMu.Unlock()
	return prl.current
}

// IncreasePollingInterval doubles the polling interval, capped at the maximum.
// Called after a failed or rate-limited poll.
func (prl *PollingRateLimiter) IncreasePollingInterval() time.Duration {
	prl.pollMu.Lock()
	defer prl.pollMu.Unlock()

	prl.current *= 2
	if prl.current > prl.maxInterval {
		prl.current = prl.maxInterval
	}
	return prl.current
}

// DecreasePollingInterval eases the interval back towards the minimum.
// Called after a successful poll.
func (prl *PollingRateLimiter) DecreasePollingInterval() time.Duration {
	prl.pollMu.Lock()
	defer prl.pollMu.Unlock()

	prl.current = time.Duration(float64(prl.current) * 0.75)
	if prl.current < prl.minInterval {
		prl.current = prl.minInterval
	}
	return prl.current
}

// SetPollingInterval resets the adaptive interval, clamped to bounds.
func (prl *PollingRateLimiter) SetPollingInterval(d time.Duration) {
	prl.pollMu.Lock()
	defer prl.pollMu.Unlock()

	if d < prl.minInterval {
		d = prl.minInterval
	}
	if d > prl.maxInterval {
		d = prl.maxInterval
	}
	prl.current = d
}
