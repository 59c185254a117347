package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

// EmergencyReason identifies why the circuit breaker tripped.
type EmergencyReason string

const (
	ReasonDailyLossLimit    EmergencyReason = "DAILY_LOSS_LIMIT"
	ReasonMonthlyLossLimit  EmergencyReason = "MONTHLY_LOSS_LIMIT"
	ReasonConsecutiveLosses EmergencyReason = "CONSECUTIVE_LOSSES"
	ReasonDrawdownLimit     EmergencyReason = "DRAWDOWN_LIMIT"
	ReasonSystemAnomaly     EmergencyReason = "SYSTEM_ANOMALY"
	ReasonConnectionLost    EmergencyReason = "CONNECTION_LOST"
	ReasonMarketCrash       EmergencyReason = "MARKET_CRASH"
	ReasonRiskScoreLimit    EmergencyReason = "RISK_SCORE_LIMIT"
	ReasonManualStop        EmergencyReason = "MANUAL_STOP"
)

// Hard-wired trigger thresholds. These are safety rails, not tunables.
const (
	drawdownTripRatio   = 0.15
	marketCrashRatio    = 0.10
	healthTripScore     = 0.3
	riskScoreTripLevel  = 0.95
	maxStoreMemoryBytes = 1 << 30 // 1GB
	maxPingFailures     = 5
	emergencyFlagTTL    = 24 * time.Hour
	maxEmergencyEvents  = 20
	emergencyStateKey   = "albatross:risk:emergency"
)

// EmergencyEvent is an immutable record of one activation.
type EmergencyEvent struct {
	Reason        EmergencyReason `json:"reason"`
	Message       string          `json:"message"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	Severity      RiskLevel       `json:"severity"`
	Metrics       *RiskMetrics    `json:"metrics,omitempty"`
	AutoTriggered bool            `json:"auto_triggered"`
}

// EmergencyLimits are the limit values the breaker evaluates against.
type EmergencyLimits struct {
	MaxDailyLoss         decimal.Decimal
	MaxMonthlyLoss       decimal.Decimal
	MaxConsecutiveLosses int
}

// EmergencyStop is the global circuit breaker. Once tripped it blocks
// all new orders until reset with the admin key.
type EmergencyStop struct {
	mu          sync.RWMutex
	active      bool
	reason      EmergencyReason
	triggeredAt time.Time
	events      []EmergencyEvent

	pingFailures int
	healthScore  float64
	riskScore    float64

	limits   EmergencyLimits
	adminKey string

	state    StateView
	provider Provider
	store    *store.Store
	bus      *bus.Bus
	snapshot func() *RiskMetrics
	logger   *logrus.Entry
}

// NewEmergencyStop creates the circuit breaker. snapshot supplies the
// metrics attached to emergency events; it may be nil.
func NewEmergencyStop(limits EmergencyLimits, adminKey string, state StateView, provider Provider,
	st *store.Store, eventBus *bus.Bus, snapshot func() *RiskMetrics) *EmergencyStop {

	return &EmergencyStop{
		limits:      limits,
		adminKey:    adminKey,
		state:       state,
		provider:    provider,
		store:       st,
		bus:         eventBus,
		snapshot:    snapshot,
		healthScore: 1.0,
		logger:      logrus.WithField("component", "emergency-stop"),
	}
}

// IsActive reports whether the breaker is tripped.
func (e *EmergencyStop) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// ActiveReason returns the recorded trip reason.
func (e *EmergencyStop) ActiveReason() EmergencyReason {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reason
}

// Events returns a copy of the bounded activation log.
func (e *EmergencyStop) Events() []EmergencyEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]EmergencyEvent, len(e.events))
	copy(out, e.events)
	return out
}

// SetHealthScore updates the system health input (0.0–1.0).
func (e *EmergencyStop) SetHealthScore(score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthScore = score
}

// SetRiskScore updates the composite portfolio risk score input.
func (e *EmergencyStop) SetRiskScore(score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.riskScore = score
}

// CheckConditions evaluates all trigger conditions in fixed order and
// activates on the first that holds. Any failure during evaluation is
// itself treated as a system anomaly and trips the breaker: this path
// fails safe, never open.
func (e *EmergencyStop) CheckConditions(ctx context.Context) bool {
	if e.IsActive() {
		return true
	}

	reason, message, triggered := e.evaluate(ctx)
	if !triggered {
		return e.IsActive()
	}

	e.Activate(ctx, reason, message, true)
	return true
}

func (e *EmergencyStop) evaluate(ctx context.Context) (EmergencyReason, string, bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("panic during condition evaluation: %v", r)
			e.Activate(ctx, ReasonSystemAnomaly, fmt.Sprintf("condition evaluation panicked: %v", r), true)
		}
	}()

	dailyLoss := decimal.Zero
	if pnl := e.state.DailyPnL(); pnl.Sign() < 0 {
		dailyLoss = pnl.Neg()
	}
	monthlyLoss := decimal.Zero
	if pnl := e.state.MonthlyPnL(); pnl.Sign() < 0 {
		monthlyLoss = pnl.Neg()
	}

	// 1. Daily loss limit
	if e.limits.MaxDailyLoss.Sign() > 0 && dailyLoss.GreaterThanOrEqual(e.limits.MaxDailyLoss) {
		return ReasonDailyLossLimit, fmt.Sprintf("daily loss %s reached limit %s", dailyLoss, e.limits.MaxDailyLoss), true
	}

	// 2. Monthly loss limit
	if e.limits.MaxMonthlyLoss.Sign() > 0 && monthlyLoss.GreaterThanOrEqual(e.limits.MaxMonthlyLoss) {
		return ReasonMonthlyLossLimit, fmt.Sprintf("monthly loss %s reached limit %s", monthlyLoss, e.limits.MaxMonthlyLoss), true
	}

	// 3. Consecutive losses
	if e.limits.MaxConsecutiveLosses > 0 && e.state.ConsecutiveLosses() >= e.limits.MaxConsecutiveLosses {
		return ReasonConsecutiveLosses, fmt.Sprintf("%d consecutive losses", e.state.ConsecutiveLosses()), true
	}

	portfolioValue := e.provider.GetPortfolioValue()

	// 4. Drawdown ratio
	if portfolioValue.Sign() > 0 {
		ratio := dailyLoss.Div(portfolioValue).InexactFloat64()
		if ratio >= drawdownTripRatio {
			return ReasonDrawdownLimit, fmt.Sprintf("drawdown ratio %.2f", ratio), true
		}
	}

	// 5. System anomaly: degraded health or abnormal store memory use
	e.mu.RLock()
	health := e.healthScore
	riskScore := e.riskScore
	e.mu.RUnlock()

	if health <= healthTripScore {
		return ReasonSystemAnomaly, fmt.Sprintf("system health score %.2f", health), true
	}
	if e.store != nil {
		if stats, err := e.store.GetMemoryStats(ctx); err == nil && stats.UsedBytes >= maxStoreMemoryBytes {
			return ReasonSystemAnomaly, fmt.Sprintf("store memory usage %d bytes", stats.UsedBytes), true
		}
	}

	// 6. Store connectivity
	if e.store != nil {
		if err := e.store.Ping(ctx); err != nil {
			e.mu.Lock()
			e.pingFailures++
			failures := e.pingFailures
			e.mu.Unlock()
			if failures >= maxPingFailures {
				return ReasonConnectionLost, fmt.Sprintf("store unreachable (%d consecutive failures)", failures), true
			}
		} else {
			e.mu.Lock()
			e.pingFailures = 0
			e.mu.Unlock()
		}
	}

	// 7. Market-crash heuristic
	if portfolioValue.Sign() > 0 {
		ratio := dailyLoss.Div(portfolioValue).InexactFloat64()
		if ratio >= marketCrashRatio {
			return ReasonMarketCrash, fmt.Sprintf("daily loss is %.1f%% of portfolio", ratio*100), true
		}
	}

	// 8. Composite risk score
	if riskScore >= riskScoreTripLevel {
		return ReasonRiskScoreLimit, fmt.Sprintf("composite risk score %.2f", riskScore), true
	}

	return "", "", false
}

// Activate trips the breaker, persists the flag, records the event and
// broadcasts the emergency plus a cancel-all-orders request.
func (e *EmergencyStop) Activate(ctx context.Context, reason EmergencyReason, message string, auto bool) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.reason = reason
	e.triggeredAt = time.Now()

	event := EmergencyEvent{
		Reason:        reason,
		Message:       message,
		TriggeredAt:   e.triggeredAt,
		Severity:      RiskLevelCritical,
		AutoTriggered: auto,
	}
	if e.snapshot != nil {
		event.Metrics = e.snapshot()
	}
	e.events = append(e.events, event)
	if len(e.events) > maxEmergencyEvents {
		e.events = e.events[len(e.events)-maxEmergencyEvents:]
	}
	e.mu.Unlock()

	e.logger.Errorf("EMERGENCY STOP activated: %s (%s)", reason, message)

	if e.store != nil {
		fields := map[string]interface{}{
			"active":       "1",
			"reason":       string(reason),
			"triggered_at": e.triggeredAt.Format(time.RFC3339),
		}
		if err := e.store.SetHash(ctx, emergencyStateKey, fields, emergencyFlagTTL); err != nil {
			e.logger.Errorf("failed to persist emergency state: %v", err)
		}
	}

	if e.bus != nil {
		if ev, err := types.NewEvent(types.EventEmergencyStop, "risk-engine", event, ""); err == nil {
			if err := e.bus.Publish(ev); err != nil {
				e.logger.Errorf("failed to publish emergency event: %v", err)
			}
		}
		cancel := map[string]string{"reason": string(reason), "message": message}
		if ev, err := types.NewEvent(types.EventCancelAllOrders, "risk-engine", cancel, ""); err == nil {
			if err := e.bus.Publish(ev); err != nil {
				e.logger.Errorf("failed to publish cancel-all event: %v", err)
			}
		}
	}
}

// ManualActivate trips the breaker by operator request.
func (e *EmergencyStop) ManualActivate(ctx context.Context, message string) {
	e.Activate(ctx, ReasonManualStop, message, false)
}

// Reset clears the breaker when the admin key matches. A wrong key is
// a logged no-op.
func (e *EmergencyStop) Reset(ctx context.Context, adminKey string) bool {
	e.mu.Lock()
	if adminKey != e.adminKey {
		e.mu.Unlock()
		e.logger.Warn("emergency reset rejected: invalid admin key")
		return false
	}
	if !e.active {
		e.mu.Unlock()
		return true
	}
	e.active = false
	e.reason = ""
	e.pingFailures = 0
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Delete(ctx, emergencyStateKey); err != nil {
			e.logger.Errorf("failed to clear persisted emergency state: %v", err)
		}
	}

	e.logger.Info("emergency stop reset by operator")
	return true
}

// Restore loads a persisted active flag, so a restart inside the 24h
// TTL window stays halted.
func (e *EmergencyStop) Restore(ctx context.Context) {
	if e.store == nil {
		return
	}

	fields, err := e.store.GetHash(ctx, emergencyStateKey)
	if err != nil {
		e.logger.Errorf("failed to restore emergency state: %v", err)
		return
	}
	if fields["active"] != "1" {
		return
	}

	e.mu.Lock()
	e.active = true
	e.reason = EmergencyReason(fields["reason"])
	if t, err := time.Parse(time.RFC3339, fields["triggered_at"]); err == nil {
		e.triggeredAt = t
	}
	e.mu.Unlock()

	e.logger.Warnf("restored active emergency stop: %s", e.reason)
}
