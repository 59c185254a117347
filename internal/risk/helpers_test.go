package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/types"
)

// fakeProvider is a canned Provider for rule and sizer tests.
type fakeProvider struct {
	portfolioValue decimal.Decimal
	cash           decimal.Decimal
	exposure       decimal.Decimal
	maxPosition    decimal.Decimal
	positions      map[string]*types.Position
	sectorValues   map[string]decimal.Decimal
}

func newFakeProvider(portfolioValue, cash float64) *fakeProvider {
	return &fakeProvider{
		portfolioValue: decimal.NewFromFloat(portfolioValue),
		cash:           decimal.NewFromFloat(cash),
		exposure:       decimal.Zero,
		maxPosition:    decimal.Zero,
		positions:      make(map[string]*types.Position),
		sectorValues:   make(map[string]decimal.Decimal),
	}
}

func (p *fakeProvider) GetPortfolioValue() decimal.Decimal   { return p.portfolioValue }
func (p *fakeProvider) GetCashBalance() decimal.Decimal      { return p.cash }
func (p *fakeProvider) GetTotalExposure() decimal.Decimal    { return p.exposure }
func (p *fakeProvider) GetPositionCount() int                { return len(p.positions) }
func (p *fakeProvider) GetMaxPositionValue() decimal.Decimal { return p.maxPosition }

func (p *fakeProvider) GetPositionValue(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Value()
	}
	return decimal.Zero
}

func (p *fakeProvider) GetSectorExposure(sector string) decimal.Decimal {
	return p.sectorValues[sector]
}

func (p *fakeProvider) GetPosition(symbol string) (*types.Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, false
	}
	copied := *pos
	return &copied, true
}

func (p *fakeProvider) Positions() []*types.Position {
	out := make([]*types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		copied := *pos
		out = append(out, &copied)
	}
	return out
}

func (p *fakeProvider) addPosition(symbol, sector string, qty, entry, mark float64) {
	pos := &types.Position{
		Symbol:        symbol,
		Side:          types.PositionSideLong,
		Quantity:      decimal.NewFromFloat(qty),
		AvgEntryPrice: decimal.NewFromFloat(entry),
		MarkPrice:     decimal.NewFromFloat(mark),
		Sector:        sector,
		OpenedAt:      time.Now(),
		UpdatedAt:     time.Now(),
	}
	p.positions[symbol] = pos
	p.exposure = p.exposure.Add(pos.Value())
	if sector != "" {
		p.sectorValues[sector] = p.sectorValues[sector].Add(pos.Value())
	}
	if pos.Value().GreaterThan(p.maxPosition) {
		p.maxPosition = pos.Value()
	}
}

// fakeState is a canned StateView.
type fakeState struct {
	dailyPnL          decimal.Decimal
	monthlyPnL        decimal.Decimal
	consecutiveLosses int
	tradeCountToday   int
	lastTradeTimes    map[string]time.Time
}

func newFakeState() *fakeState {
	return &fakeState{
		dailyPnL:       decimal.Zero,
		monthlyPnL:     decimal.Zero,
		lastTradeTimes: make(map[string]time.Time),
	}
}

func (s *fakeState) DailyPnL() decimal.Decimal   { return s.dailyPnL }
func (s *fakeState) MonthlyPnL() decimal.Decimal { return s.monthlyPnL }
func (s *fakeState) ConsecutiveLosses() int      { return s.consecutiveLosses }
func (s *fakeState) TradeCountToday() int        { return s.tradeCountToday }

func (s *fakeState) LastTradeTime(symbol string) (time.Time, bool) {
	t, ok := s.lastTradeTimes[symbol]
	return t, ok
}

// fakeStats is a canned StatsProvider.
type fakeStats struct {
	stats map[string]*types.SymbolStats
}

func (f *fakeStats) GetStats(ctx context.Context, symbol string) (*types.SymbolStats, error) {
	if s, ok := f.stats[symbol]; ok {
		return s, nil
	}
	return &types.SymbolStats{Symbol: symbol}, nil
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:           50000,
		MaxMonthlyLoss:         200000,
		MaxConsecutiveLosses:   5,
		MaxTradesPerDay:        50,
		MinOrderValue:          10,
		MaxOrderValue:          10000000,
		MinReorderInterval:     30 * time.Second,
		MinCashReserveRatio:    0.1,
		MaxTotalExposureRatio:  0.9,
		MaxPositionSizeRatio:   0.2,
		MaxSectorExposureRatio: 0.4,
		CheckWarnTimeout:       3 * time.Second,
		AdminKey:               "test-admin-key",
	}
}

func buyOrder(symbol string, qty, price float64) *types.OrderRequest {
	return &types.OrderRequest{
		Symbol:   symbol,
		Side:     types.OrderSideBuy,
		Quantity: decimal.NewFromFloat(qty),
		Price:    decimal.NewFromFloat(price),
	}
}

func sellOrder(symbol string, qty, price float64) *types.OrderRequest {
	return &types.OrderRequest{
		Symbol:   symbol,
		Side:     types.OrderSideSell,
		Quantity: decimal.NewFromFloat(qty),
		Price:    decimal.NewFromFloat(price),
	}
}
