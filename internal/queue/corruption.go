package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// CorruptionConfig mirrors config.CorruptionConfig without importing the
// config package, keeping queue free of a dependency on process-wide config.
type CorruptionConfig struct {
	WindowSize            int
	FailureThreshold      int
	CooldownBase          time.Duration
	CooldownMultiplier    float64
	CooldownMax           time.Duration
	SuccessesToDeescalate int
}

// CorruptionState is the persisted shape of the supervisor, per spec
// §4.1.6: "{current_level, successes_since_last_level_change, last_restart_at_unix?}".
type CorruptionState struct {
	CurrentLevel                int
	SuccessesSinceLevelChange   int
	LastRestartAtUnix           *int64
}

// CorruptionSupervisor tracks the last window_size outcomes of downloads
// and signals when the external downloader looks broken, restarting it
// with an escalating cooldown.
type CorruptionSupervisor struct {
	cfg CorruptionConfig

	mu      sync.Mutex
	window  []bool // true = success
	state   CorruptionState
	restartInFlight atomic.Bool
}

func NewCorruptionSupervisor(cfg CorruptionConfig) *CorruptionSupervisor {
	return &CorruptionSupervisor{cfg: cfg}
}

// RecordResult logs one download outcome. It returns true if the caller
// should trigger RestartNeeded handling.
func (c *CorruptionSupervisor) RecordResult(success bool) (restartNeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, success)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}

	if success {
		c.state.SuccessesSinceLevelChange++
		if c.state.SuccessesSinceLevelChange >= c.cfg.SuccessesToDeescalate && c.state.CurrentLevel > 0 {
			c.state.CurrentLevel--
			c.state.SuccessesSinceLevelChange = 0
		}
		return false
	}

	c.state.SuccessesSinceLevelChange = 0
	failures := 0
	for _, ok := range c.window {
		if !ok {
			failures++
		}
	}
	return failures >= c.cfg.FailureThreshold
}

// TryAcquireRestart is the CAS-based single-winner restart lock: only one
// goroutine performs the actual restart; others should wait and retry.
func (c *CorruptionSupervisor) TryAcquireRestart() bool {
	return c.restartInFlight.CompareAndSwap(false, true)
}

// RecordRestart finalizes a restart: escalates the level, stamps the
// restart time, and clears the outcome window.
func (c *CorruptionSupervisor) RecordRestart(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.CurrentLevel++
	c.state.SuccessesSinceLevelChange = 0
	ts := now.Unix()
	c.state.LastRestartAtUnix = &ts
	c.window = nil
	c.restartInFlight.Store(false)
}

// ReleaseRestart is used by a caller that acquired the lock but aborted
// before calling RecordRestart (e.g. the restart itself failed).
func (c *CorruptionSupervisor) ReleaseRestart() {
	c.restartInFlight.Store(false)
}

// Cooldown returns the cooldown duration for the current escalation level:
// min(base * multiplier^level, max).
func (c *CorruptionSupervisor) Cooldown() time.Duration {
	c.mu.Lock()
	level := c.state.CurrentLevel
	c.mu.Unlock()

	d := float64(c.cfg.CooldownBase)
	for i := 0; i < level; i++ {
		d *= c.cfg.CooldownMultiplier
	}
	cooldown := time.Duration(d)
	if cooldown > c.cfg.CooldownMax {
		cooldown = c.cfg.CooldownMax
	}
	return cooldown
}

// AdminReset forces level 0 and clears all state.
func (c *CorruptionSupervisor) AdminReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CorruptionState{}
	c.window = nil
	c.restartInFlight.Store(false)
}

// State returns a copy of the current persisted state.
func (c *CorruptionSupervisor) State() CorruptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
