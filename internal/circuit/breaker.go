package circuit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState represents the circuit breaker state for one endpoint key
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Requests blocked
	StateHalfOpen BreakerState = "half_open" // Cooldown expired, probing
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"` // Consecutive failures before opening
	CooldownMinSec   int `json:"cooldown_min_sec"`  // Lower bound of randomized cooldown
	CooldownMaxSec   int `json:"cooldown_max_sec"`  // Upper bound of randomized cooldown
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CooldownMinSec:   30,
		CooldownMaxSec:   60,
	}
}

type breakerEntry struct {
	failures  int
	openUntil time.Time
	openedAt  time.Time
}

// Breaker tracks consecutive failures per "endpoint:symbol" key and blocks
// calls for a randomized cooldown once the threshold is crossed. The cooldown
// is jittered so that keys tripped by the same outage do not retry in
// lockstep. State transitions happen lazily on check, there is no background
// timer.
type Breaker struct {
	config  BreakerConfig
	entries map[string]*breakerEntry
	mu      sync.Mutex
	logger  zerolog.Logger

	// test seam, defaults to time.Now
	now func() time.Time
}

// NewBreaker creates a keyed circuit breaker
func NewBreaker(config BreakerConfig, logger zerolog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CooldownMinSec <= 0 {
		config.CooldownMinSec = 30
	}
	if config.CooldownMaxSec < config.CooldownMinSec {
		config.CooldownMaxSec = config.CooldownMinSec
	}
	return &Breaker{
		config:  config,
		entries: make(map[string]*breakerEntry),
		logger:  logger,
		now:     time.Now,
	}
}

func key(endpoint, symbol string) string {
	return endpoint + ":" + symbol
}

// RecordFailure increments the consecutive failure count for the key and
// opens the breaker when the threshold is reached.
func (b *Breaker) RecordFailure(endpoint, symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(endpoint, symbol)
	entry, ok := b.entries[k]
	if !ok {
		entry = &breakerEntry{}
		b.entries[k] = entry
	}

	entry.failures++
	if entry.failures < b.config.FailureThreshold {
		return
	}

	now := b.now()
	if now.Before(entry.openUntil) {
		// Already open, a failure during half-open probe lands here too
		return
	}

	cooldown := b.randomCooldown()
	entry.openUntil = now.Add(cooldown)
	entry.openedAt = now

	b.logger.Warn().
		Str("endpoint", endpoint).
		Str("symbol", symbol).
		Int("failures", entry.failures).
		Dur("cooldown", cooldown).
		Msg("circuit breaker opened")
}

// RecordSuccess clears the failure state for the key. The entry is removed
// entirely so the map only holds keys that are actually misbehaving.
func (b *Breaker) RecordSuccess(endpoint, symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(endpoint, symbol)
	entry, ok := b.entries[k]
	if !ok {
		return
	}
	if entry.failures >= b.config.FailureThreshold {
		b.logger.Info().
			Str("endpoint", endpoint).
			Str("symbol", symbol).
			Msg("circuit breaker closed")
	}
	delete(b.entries, k)
}

// IsOpen reports whether calls for the key should be blocked. An expired
// cooldown transitions the key to half-open: the call is allowed through and
// its outcome decides whether the breaker closes or re-opens.
func (b *Breaker) IsOpen(endpoint, symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key(endpoint, symbol)]
	if !ok {
		return false
	}
	if entry.failures < b.config.FailureThreshold {
		return false
	}
	return b.now().Before(entry.openUntil)
}

// State returns the current state for the key
func (b *Breaker) State(endpoint, symbol string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key(endpoint, symbol)]
	if !ok || entry.failures < b.config.FailureThreshold {
		return StateClosed
	}
	if b.now().Before(entry.openUntil) {
		return StateOpen
	}
	return StateHalfOpen
}

// KeyStats describes one tracked key for the status API
type KeyStats struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns per-key statistics for every tracked key
func (b *Breaker) Snapshot() []KeyStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := make([]KeyStats, 0, len(b.entries))
	for k, entry := range b.entries {
		state := StateClosed
		if entry.failures >= b.config.FailureThreshold {
			if now.Before(entry.openUntil) {
				state = StateOpen
			} else {
				state = StateHalfOpen
			}
		}
		stats = append(stats, KeyStats{
			Key:       k,
			State:     string(state),
			Failures:  entry.failures,
			OpenUntil: entry.openUntil,
			OpenedAt:  entry.openedAt,
		})
	}
	return stats
}

// OpenCount returns the number of currently open keys
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	count := 0
	for _, entry := range b.entries {
		if entry.failures >= b.config.FailureThreshold && now.Before(entry.openUntil) {
			count++
		}
	}
	return count
}

func (b *Breaker) randomCooldown() time.Duration {
	min := b.config.CooldownMinSec
	max := b.config.CooldownMaxSec
	if max <= min {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min+rand.Intn(max-min+1)) * time.Second
}
