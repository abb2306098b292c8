package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Halts entries after consecutive losing closes
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveLosses int // <= 0 disables the breaker
	cooldownDuration     time.Duration

	// State
	consecutiveLosses int
	streakLoss        decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxLosses int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		cooldownDuration:     cooldown,
		now:                  time.Now,
	}
}

// Check reports whether trading is halted, with a detail for the risk trace
func (cb *CircuitBreaker) Check() (halted bool, detail string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.maxConsecutiveLosses <= 0 {
		return false, "disabled"
	}

	// Cooldown elapsed
	if cb.tripped && cb.now().Sub(cb.trippedAt) > cb.cooldownDuration {
		cb.reset()
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
	}

	detail = fmt.Sprintf("losses=%d/%d", cb.consecutiveLosses, cb.maxConsecutiveLosses)
	if cb.tripped {
		detail = fmt.Sprintf("%s until=%s", cb.reason, cb.trippedAt.Add(cb.cooldownDuration).Format(time.RFC3339))
	}
	return cb.tripped, detail
}

// RecordOutcome feeds the realized PnL of a closing trade
func (cb *CircuitBreaker) RecordOutcome(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !pnl.IsNegative() {
		cb.consecutiveLosses = 0
		cb.streakLoss = decimal.Zero
		return
	}

	cb.consecutiveLosses++
	cb.streakLoss = cb.streakLoss.Add(pnl)

	if cb.maxConsecutiveLosses > 0 && !cb.tripped && cb.consecutiveLosses >= cb.maxConsecutiveLosses {
		cb.trip(fmt.Sprintf("%d consecutive losses", cb.consecutiveLosses))
	}
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = cb.now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Str("streak_loss", cb.streakLoss.StringFixed(2)).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// reset clears the circuit breaker state
func (cb *CircuitBreaker) reset() {
	cb.consecutiveLosses = 0
	cb.streakLoss = decimal.Zero
	cb.tripped = false
	cb.reason = ""
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveLosses int, streakLoss decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.streakLoss, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
	log.Info().Msg("Circuit breaker manually reset")
}
