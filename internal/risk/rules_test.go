package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestChain(provider Provider) *RuleChain {
	return NewRuleChain(testRiskConfig(), provider, nil)
}

func TestRuleChain_ApprovesReasonableOrder(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	result, warnings := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())

	assert.True(t, result.Approved)
	assert.Empty(t, warnings)
}

func TestRuleChain_RejectsInvalidOrders(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)
	state := newFakeState()

	result, _ := chain.Evaluate(buyOrder("", 1, 50000), state)
	assert.False(t, result.Approved)

	result, _ = chain.Evaluate(buyOrder("BTCUSDT", 0, 50000), state)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "quantity")

	result, _ = chain.Evaluate(buyOrder("BTCUSDT", 1, 0), state)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "price")

	result, _ = chain.Evaluate(buyOrder("BTCUSDT", 1000, 50000), state)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "maximum")
}

func TestRuleChain_DailyLossLimitRejectsAtFullUsage(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	state := newFakeState()
	state.dailyPnL = decimal.NewFromInt(-50000)

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), state)

	assert.False(t, result.Approved)
	assert.Equal(t, RiskLevelCritical, result.RiskLevel)
	assert.Contains(t, result.Reason, "daily loss")
}

func TestRuleChain_DailyLossWarningAt80Percent(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	state := newFakeState()
	state.dailyPnL = decimal.NewFromInt(-40000)

	result, warnings := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), state)

	assert.True(t, result.Approved)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, RiskLevelHigh, result.RiskLevel)
}

func TestRuleChain_SellSkipsExposureRules(t *testing.T) {
	// Zero cash and full exposure would reject any BUY, but a SELL
	// never increases risk under this model.
	provider := newFakeProvider(1000000, 0)
	provider.exposure = decimal.NewFromInt(1000000)
	provider.addPosition("BTCUSDT", "crypto", 10, 50000, 50000)
	chain := newTestChain(provider)

	result, _ := chain.Evaluate(sellOrder("BTCUSDT", 5, 50000), newFakeState())

	assert.True(t, result.Approved)
}

func TestRuleChain_CashReserveRejectsBuy(t *testing.T) {
	provider := newFakeProvider(1000000, 120000)
	chain := newTestChain(provider)

	// Post-trade cash 20000 < required reserve 100000.
	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 2, 50000), newFakeState())

	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "reserve")
}

func TestRuleChain_PositionSizeSuggestsQuantity(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	// Per-symbol limit is 200000; order is 6 * 50000 = 300000.
	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 6, 50000), newFakeState())

	assert.False(t, result.Approved)
	assert.GreaterOrEqual(t, result.SuggestedQuantity, int64(0))
	assert.Equal(t, int64(4), result.SuggestedQuantity)

	// The suggested quantity must pass the position size rule.
	retry, _ := chain.Evaluate(buyOrder("BTCUSDT", float64(result.SuggestedQuantity), 50000), newFakeState())
	assert.True(t, retry.Approved)
}

func TestRuleChain_SuggestedQuantityNeverNegative(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	// Existing position already over the per-symbol limit.
	provider.addPosition("BTCUSDT", "crypto", 5, 50000, 50000)
	chain := newTestChain(provider)

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())

	assert.False(t, result.Approved)
	assert.GreaterOrEqual(t, result.SuggestedQuantity, int64(0))
}

func TestRuleChain_SectorExposureLimit(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	provider.addPosition("ETHUSDT", "crypto", 100, 3500, 3500)
	chain := newTestChain(provider)

	order := buyOrder("BTCUSDT", 2, 50000)
	order.Metadata = map[string]interface{}{"sector": "crypto"}

	// Post-trade sector exposure 450000 > limit 400000.
	result, _ := chain.Evaluate(order, newFakeState())

	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "sector")
}

func TestRuleChain_UnclassifiedSectorIsUnbounded(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())
	assert.True(t, result.Approved)
}

func TestRuleChain_ZeroPortfolioValueRejectsCritical(t *testing.T) {
	provider := newFakeProvider(0, 0)
	chain := newTestChain(provider)

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())

	assert.False(t, result.Approved)
	assert.Equal(t, RiskLevelCritical, result.RiskLevel)
}

func TestRuleChain_TradeFrequencyLimit(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)

	state := newFakeState()
	state.tradeCountToday = 50

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), state)

	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "trade count")
}

func TestRuleChain_ReorderThrottleBuyOnly(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	provider.addPosition("BTCUSDT", "", 1, 50000, 50000)
	chain := newTestChain(provider)

	state := newFakeState()
	state.lastTradeTimes["BTCUSDT"] = time.Now().Add(-5 * time.Second)

	result, _ := chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), state)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "reorder interval")

	// SELL is not throttled.
	result, _ = chain.Evaluate(sellOrder("BTCUSDT", 1, 50000), state)
	assert.True(t, result.Approved)
}

func TestRuleChain_EvaluationIsIdempotent(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	chain := newTestChain(provider)
	state := newFakeState()
	state.dailyPnL = decimal.NewFromInt(-42000)

	order := buyOrder("BTCUSDT", 1, 50000)
	first, _ := chain.Evaluate(order, state)
	second, _ := chain.Evaluate(order, state)

	assert.Equal(t, first.Approved, second.Approved)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.Reason, second.Reason)
}

func TestRatioLevel_Monotone(t *testing.T) {
	assert.Equal(t, RiskLevelLow, ratioLevel(0.2))
	assert.Equal(t, RiskLevelMedium, ratioLevel(0.5))
	assert.Equal(t, RiskLevelHigh, ratioLevel(0.8))
	assert.Equal(t, RiskLevelCritical, ratioLevel(1.0))

	prev := 0
	for _, r := range []float64{0.0, 0.3, 0.5, 0.7, 0.8, 0.95, 1.0, 1.5} {
		rank := riskLevelRank[ratioLevel(r)]
		assert.GreaterOrEqual(t, rank, prev)
		prev = rank
	}
}

func TestMaxRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLevelHigh, MaxRiskLevel(RiskLevelLow, RiskLevelHigh))
	assert.Equal(t, RiskLevelCritical, MaxRiskLevel(RiskLevelCritical, RiskLevelMedium))
	assert.Equal(t, RiskLevelLow, MaxRiskLevel(RiskLevelLow, RiskLevelLow))
}

// crashingProvider blows up mid-check, like a provider losing its
// store connection between two reads.
type crashingProvider struct {
	*fakeProvider
}

func (p *crashingProvider) GetPortfolioValue() decimal.Decimal {
	panic("store connection lost")
}

func TestRuleChain_RulePanicBecomesCriticalRejection(t *testing.T) {
	provider := &crashingProvider{fakeProvider: newFakeProvider(1000000, 900000)}
	chain := newTestChain(provider)

	var result *RiskCheckResult
	assert.NotPanics(t, func() {
		result, _ = chain.Evaluate(buyOrder("BTCUSDT", 1, 50000), newFakeState())
	})

	assert.NotNil(t, result)
	assert.False(t, result.Approved)
	assert.Equal(t, RiskLevelCritical, result.RiskLevel)
	assert.Contains(t, result.Reason, "cash_reserve")
}

func TestOrderSector_FallsBackToPosition(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	provider.addPosition("BTCUSDT", "crypto", 1, 50000, 50000)

	order := buyOrder("BTCUSDT", 1, 50000)
	assert.Equal(t, "crypto", orderSector(order, provider))

	order.Metadata = map[string]interface{}{"sector": "defi"}
	assert.Equal(t, "defi", orderSector(order, provider))

	unknown := buyOrder("SOLUSDT", 1, 100)
	assert.Equal(t, "", orderSector(unknown, provider))
}
