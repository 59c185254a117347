package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/types"
)

func testPortfolioConfig() config.PortfolioConfig {
	return config.PortfolioConfig{
		MaxPositionWeight: 0.3,
		MaxHerfindahl:     0.25,
		MaxVolatility:     0.4,
		MaxCorrelation:    0.8,
		MaxSectorWeight:   0.5,
		MinLiquidityScore: 0.3,
	}
}

func newTestAnalyzer(provider Provider, stats StatsProvider) *PortfolioRiskManager {
	return NewPortfolioRiskManager(testPortfolioConfig(), provider, stats, nil, nil)
}

func TestAnalyzer_EmptyPortfolioIsZeroValued(t *testing.T) {
	analyzer := newTestAnalyzer(newFakeProvider(1000000, 1000000), nil)

	metrics, alerts := analyzer.Analyze(context.Background())

	assert.NotNil(t, metrics)
	assert.Empty(t, alerts)
	assert.Equal(t, 0.0, metrics.OverallRiskScore)
	assert.Equal(t, 0, metrics.PositionCount)
	assert.Equal(t, 0.0, metrics.Concentration.HerfindahlIndex)
	assert.True(t, metrics.Volatility.ValueAtRisk95.IsZero())
}

func TestAnalyzer_SinglePositionIsFullyConcentrated(t *testing.T) {
	provider := newFakeProvider(1000000, 500000)
	provider.addPosition("BTCUSDT", "crypto", 10, 50000, 50000)
	analyzer := newTestAnalyzer(provider, nil)

	metrics, alerts := analyzer.Analyze(context.Background())

	assert.Equal(t, 1.0, metrics.Concentration.MaxPositionWeight)
	assert.Equal(t, 1.0, metrics.Concentration.Top5Concentration)
	assert.Equal(t, 1.0, metrics.Concentration.HerfindahlIndex)
	assert.Equal(t, 1, metrics.Sector.SectorCount)
	assert.Equal(t, 0.0, metrics.Sector.DiversityScore)

	categories := make(map[string]int)
	for _, a := range alerts {
		categories[a.Category]++
	}
	assert.Greater(t, categories["concentration"], 0)
	assert.Greater(t, categories["sector"], 0)
}

func TestAnalyzer_BalancedBookScoresLower(t *testing.T) {
	concentrated := newFakeProvider(1000000, 0)
	concentrated.addPosition("BTCUSDT", "crypto", 10, 50000, 50000)

	balanced := newFakeProvider(1000000, 0)
	balanced.addPosition("BTCUSDT", "crypto", 2, 50000, 50000)
	balanced.addPosition("AAPL", "tech", 500, 200, 200)
	balanced.addPosition("XOM", "energy", 1000, 100, 100)
	balanced.addPosition("JPM", "finance", 500, 200, 200)
	balanced.addPosition("JNJ", "health", 500, 200, 200)

	ctx := context.Background()
	concMetrics, _ := newTestAnalyzer(concentrated, nil).Analyze(ctx)
	balMetrics, _ := newTestAnalyzer(balanced, nil).Analyze(ctx)

	assert.Less(t, balMetrics.Concentration.HerfindahlIndex, concMetrics.Concentration.HerfindahlIndex)
	assert.Less(t, balMetrics.OverallRiskScore, concMetrics.OverallRiskScore)
	assert.Greater(t, balMetrics.Sector.DiversityScore, 0.5)
}

func TestAnalyzer_VaRScalesWithVolatility(t *testing.T) {
	provider := newFakeProvider(1000000, 0)
	provider.addPosition("BTCUSDT", "crypto", 10, 50000, 50000)

	calm := &fakeStats{stats: map[string]*types.SymbolStats{
		"BTCUSDT": {Symbol: "BTCUSDT", Volatility: 0.2},
	}}
	wild := &fakeStats{stats: map[string]*types.SymbolStats{
		"BTCUSDT": {Symbol: "BTCUSDT", Volatility: 0.8},
	}}

	ctx := context.Background()
	calmMetrics, _ := newTestAnalyzer(provider, calm).Analyze(ctx)
	wildMetrics, _ := newTestAnalyzer(provider, wild).Analyze(ctx)

	assert.Equal(t, 0.2, calmMetrics.Volatility.PortfolioVolatility)
	assert.Equal(t, 0.8, wildMetrics.Volatility.PortfolioVolatility)
	assert.True(t, wildMetrics.Volatility.ValueAtRisk95.GreaterThan(calmMetrics.Volatility.ValueAtRisk95))

	// Expected shortfall sits beyond VaR by a fixed factor.
	for _, m := range []*PortfolioRiskMetrics{calmMetrics, wildMetrics} {
		expected := m.Volatility.ValueAtRisk95.InexactFloat64() * shortfallFactor
		assert.InDelta(t, expected, m.Volatility.ExpectedShortfall.InexactFloat64(), 0.01)
	}
}

func TestAnalyzer_SameSectorRaisesCorrelation(t *testing.T) {
	sameSector := newFakeProvider(1000000, 0)
	sameSector.addPosition("BTCUSDT", "crypto", 1, 50000, 50000)
	sameSector.addPosition("ETHUSDT", "crypto", 10, 3500, 3500)

	mixed := newFakeProvider(1000000, 0)
	mixed.addPosition("BTCUSDT", "crypto", 1, 50000, 50000)
	mixed.addPosition("AAPL", "tech", 200, 200, 200)

	ctx := context.Background()
	sameMetrics, _ := newTestAnalyzer(sameSector, nil).Analyze(ctx)
	mixedMetrics, _ := newTestAnalyzer(mixed, nil).Analyze(ctx)

	assert.Equal(t, sameSectorCorrelation, sameMetrics.Correlation.AverageCorrelation)
	assert.Equal(t, crossSectorCorrelation, mixedMetrics.Correlation.AverageCorrelation)
	assert.Greater(t, sameMetrics.Correlation.CorrelationRisk, mixedMetrics.Correlation.CorrelationRisk)
}

func TestAnalyzer_IlliquidPositionsFlagged(t *testing.T) {
	provider := newFakeProvider(1000000, 0)
	provider.addPosition("BTCUSDT", "crypto", 1, 50000, 50000)
	provider.positions["BTCUSDT"].LiquidityScore = 0.9
	provider.addPosition("SMALLCAP", "tech", 5000, 10, 10)
	provider.positions["SMALLCAP"].LiquidityScore = 0.1

	metrics, alerts := newTestAnalyzer(provider, nil).Analyze(context.Background())

	assert.Greater(t, metrics.Liquidity.IlliquidRatio, 0.0)
	found := false
	for _, a := range alerts {
		if a.Category == "liquidity" {
			found = true
		}
	}
	// Weighted average liquidity: (50000*0.9 + 50000*0.1) / 100000 = 0.5,
	// above the minimum, so no liquidity alert despite the illiquid leg.
	assert.False(t, found)
	assert.InDelta(t, 0.5, metrics.Liquidity.AverageLiquidity, 0.01)
}

func TestAnalyzer_OverallScoreBounded(t *testing.T) {
	provider := newFakeProvider(1000000, 0)
	provider.addPosition("BTCUSDT", "crypto", 10, 50000, 50000)
	stats := &fakeStats{stats: map[string]*types.SymbolStats{
		"BTCUSDT": {Symbol: "BTCUSDT", Volatility: 5.0},
	}}

	metrics, alerts := newTestAnalyzer(provider, stats).Analyze(context.Background())

	assert.LessOrEqual(t, metrics.OverallRiskScore, 1.0)
	assert.GreaterOrEqual(t, metrics.OverallRiskScore, 0.0)
	assert.NotEmpty(t, alerts)
	for _, a := range alerts {
		assert.NotEmpty(t, a.Message)
		assert.NotEmpty(t, a.ID)
	}
}
