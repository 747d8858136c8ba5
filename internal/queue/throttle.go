package queue

import (
	"sync"
	"time"
)

// sample is one recorded (timestamp, bytes) download observation.
type sample struct {
	at    time.Time
	bytes int64
}

// Throttle enforces two sliding-window bandwidth ceilings (1 minute,
// 1 hour). It is not a token bucket: the windows are computed by pruning
// a recorded-samples deque, because the ceiling is framed in spec as
// "bytes observed in the trailing window," not a refillable budget.
type Throttle struct {
	mu           sync.Mutex
	perMinuteCap int64 // 0 disables
	perHourCap   int64 // 0 disables
	samples      []sample
}

func NewThrottle(perMinuteCap, perHourCap int64) *Throttle {
	return &Throttle{perMinuteCap: perMinuteCap, perHourCap: perHourCap}
}

// CheckResult is the throttle's verdict before a dispatch attempt.
type CheckResult struct {
	OK   bool
	Wait time.Duration
}

// Check reports whether a new dispatch may proceed right now. When
// disabled (both caps zero), Check is always OK — bypassed entirely.
func (t *Throttle) Check(now time.Time) CheckResult {
	if t.perMinuteCap <= 0 && t.perHourCap <= 0 {
		return CheckResult{OK: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)

	minuteUsed, hourUsed := t.usage(now)

	if t.perMinuteCap > 0 && minuteUsed >= t.perMinuteCap {
		return CheckResult{OK: false, Wait: t.waitFor(now, time.Minute)}
	}
	if t.perHourCap > 0 && hourUsed >= t.perHourCap {
		return CheckResult{OK: false, Wait: t.waitFor(now, time.Hour)}
	}
	return CheckResult{OK: true}
}

// Record logs a successful download's bytes. Zero-byte operations are not
// recorded, matching "bypassed entirely ... for zero-byte operations."
func (t *Throttle) Record(now time.Time, bytes int64) {
	if bytes <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample{at: now, bytes: bytes})
	t.prune(now)
}

func (t *Throttle) usage(now time.Time) (minuteUsed, hourUsed int64) {
	minuteCutoff := now.Add(-time.Minute)
	for _, s := range t.samples {
		hourUsed += s.bytes
		if s.at.After(minuteCutoff) {
			minuteUsed += s.bytes
		}
	}
	return
}

// prune drops samples older than 1h; windows never need samples beyond that.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(t.samples); i++ {
		if t.samples[i].at.After(cutoff) {
			break
		}
	}
	t.samples = t.samples[i:]
}

// waitFor returns the time until the oldest sample ages out of the window,
// a reasonable estimate of when capacity frees up.
func (t *Throttle) waitFor(now time.Time, window time.Duration) time.Duration {
	if len(t.samples) == 0 {
		return window
	}
	oldest := t.samples[0].at
	wait := window - now.Sub(oldest)
	if wait < 0 {
		wait = 0
	}
	return wait
}
