package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestEmergency(state StateView, provider Provider) *EmergencyStop {
	limits := EmergencyLimits{
		MaxDailyLoss:         decimal.NewFromInt(50000),
		MaxMonthlyLoss:       decimal.NewFromInt(200000),
		MaxConsecutiveLosses: 5,
	}
	return NewEmergencyStop(limits, "test-admin-key", state, provider, nil, nil, nil)
}

func TestEmergencyStop_InactiveByDefault(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))

	assert.False(t, es.IsActive())
	assert.False(t, es.CheckConditions(context.Background()))
}

func TestEmergencyStop_DailyLossTrips(t *testing.T) {
	state := newFakeState()
	state.dailyPnL = decimal.NewFromInt(-50000)
	es := newTestEmergency(state, newFakeProvider(1000000, 900000))

	assert.True(t, es.CheckConditions(context.Background()))
	assert.True(t, es.IsActive())
	assert.Equal(t, ReasonDailyLossLimit, es.ActiveReason())
}

func TestEmergencyStop_ConsecutiveLossesTrip(t *testing.T) {
	state := newFakeState()
	state.consecutiveLosses = 5
	es := newTestEmergency(state, newFakeProvider(1000000, 900000))

	assert.True(t, es.CheckConditions(context.Background()))
	assert.Equal(t, ReasonConsecutiveLosses, es.ActiveReason())
}

func TestEmergencyStop_DrawdownTrips(t *testing.T) {
	state := newFakeState()
	// 16% of portfolio lost in a day, below the absolute limit but
	// above the 15% drawdown ratio.
	state.dailyPnL = decimal.NewFromInt(-16000)
	es := NewEmergencyStop(EmergencyLimits{
		MaxDailyLoss:         decimal.NewFromInt(50000),
		MaxMonthlyLoss:       decimal.NewFromInt(200000),
		MaxConsecutiveLosses: 5,
	}, "k", state, newFakeProvider(100000, 50000), nil, nil, nil)

	assert.True(t, es.CheckConditions(context.Background()))
	assert.Equal(t, ReasonDrawdownLimit, es.ActiveReason())
}

func TestEmergencyStop_HealthScoreTrips(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))
	es.SetHealthScore(0.2)

	assert.True(t, es.CheckConditions(context.Background()))
	assert.Equal(t, ReasonSystemAnomaly, es.ActiveReason())
}

func TestEmergencyStop_RiskScoreTrips(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))
	es.SetRiskScore(0.96)

	assert.True(t, es.CheckConditions(context.Background()))
	assert.Equal(t, ReasonRiskScoreLimit, es.ActiveReason())
}

func TestEmergencyStop_FixedConditionOrder(t *testing.T) {
	// When several conditions hold at once the first in evaluation
	// order determines the recorded reason.
	state := newFakeState()
	state.dailyPnL = decimal.NewFromInt(-60000)
	state.consecutiveLosses = 10
	es := newTestEmergency(state, newFakeProvider(1000000, 900000))
	es.SetRiskScore(1.0)

	assert.True(t, es.CheckConditions(context.Background()))
	assert.Equal(t, ReasonDailyLossLimit, es.ActiveReason())
}

func TestEmergencyStop_ManualActivateAndReset(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))
	ctx := context.Background()

	es.ManualActivate(ctx, "operator halt")
	assert.True(t, es.IsActive())
	assert.Equal(t, ReasonManualStop, es.ActiveReason())

	// Wrong key is a no-op.
	assert.False(t, es.Reset(ctx, "wrong-key"))
	assert.True(t, es.IsActive())

	assert.True(t, es.Reset(ctx, "test-admin-key"))
	assert.False(t, es.IsActive())
}

func TestEmergencyStop_ActivateIsIdempotent(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))
	ctx := context.Background()

	es.ManualActivate(ctx, "first")
	es.ManualActivate(ctx, "second")

	events := es.Events()
	assert.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Message)
}

func TestEmergencyStop_EventLogIsBounded(t *testing.T) {
	es := newTestEmergency(newFakeState(), newFakeProvider(1000000, 900000))
	ctx := context.Background()

	for i := 0; i < maxEmergencyEvents+10; i++ {
		es.ManualActivate(ctx, "halt")
		es.Reset(ctx, "test-admin-key")
	}

	assert.LessOrEqual(t, len(es.Events()), maxEmergencyEvents)
}

func TestEmergencyStop_BlocksRuleChain(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	es := newTestEmergency(newFakeState(), provider)
	chain := NewRuleChain(testRiskConfig(), provider, es)
	ctx := context.Background()

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())
	assert.True(t, result.Approved)

	es.ManualActivate(ctx, "halt")

	result, _ = chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())
	assert.False(t, result.Approved)
	assert.Equal(t, RiskLevelCritical, result.RiskLevel)
	assert.Contains(t, result.Reason, "emergency stop active")
}
