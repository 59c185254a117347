package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/albatross-trade/albatross/pkg/types"
)

// RiskLevel grades the severity of a risk-check outcome.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

var riskLevelRank = map[RiskLevel]int{
	RiskLevelLow:      0,
	RiskLevelMedium:   1,
	RiskLevelHigh:     2,
	RiskLevelCritical: 3,
}

// MaxRiskLevel returns the more severe of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if riskLevelRank[b] > riskLevelRank[a] {
		return b
	}
	return a
}

// RiskCheckResult is the immutable outcome of one risk evaluation.
type RiskCheckResult struct {
	Approved          bool                   `json:"approved"`
	Reason            string                 `json:"reason,omitempty"`
	RiskLevel         RiskLevel              `json:"risk_level"`
	SuggestedQuantity int64                  `json:"suggested_quantity,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Approve builds an approved result.
func Approve(level RiskLevel) *RiskCheckResult {
	return &RiskCheckResult{Approved: true, RiskLevel: level}
}

// ApproveWithWarning builds an approved result carrying an advisory reason.
func ApproveWithWarning(level RiskLevel, reason string) *RiskCheckResult {
	return &RiskCheckResult{Approved: true, RiskLevel: level, Reason: reason}
}

// Reject builds a rejected result.
func Reject(level RiskLevel, reason string) *RiskCheckResult {
	return &RiskCheckResult{Approved: false, RiskLevel: level, Reason: reason}
}

// RiskMetrics is a point-in-time snapshot of engine-wide risk state.
// Always built whole, never partially updated.
type RiskMetrics struct {
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	TotalExposure    decimal.Decimal `json:"total_exposure"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	MonthlyPnL       decimal.Decimal `json:"monthly_pnl"`
	PositionCount    int             `json:"position_count"`
	MaxPositionValue decimal.Decimal `json:"max_position_value"`
	RiskScore        float64         `json:"risk_score"`
	LeverageRatio    float64         `json:"leverage_ratio"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Provider supplies live portfolio data to the risk engine.
type Provider interface {
	GetPortfolioValue() decimal.Decimal
	GetCashBalance() decimal.Decimal
	GetTotalExposure() decimal.Decimal
	GetPositionCount() int
	GetMaxPositionValue() decimal.Decimal
	GetPositionValue(symbol string) decimal.Decimal
	GetSectorExposure(sector string) decimal.Decimal
	GetPosition(symbol string) (*types.Position, bool)
	Positions() []*types.Position
}

// StateView is a read-only snapshot of the engine's mutable counters,
// handed to rules so they cannot mutate shared state.
type StateView interface {
	DailyPnL() decimal.Decimal
	MonthlyPnL() decimal.Decimal
	ConsecutiveLosses() int
	TradeCountToday() int
	LastTradeTime(symbol string) (time.Time, bool)
}

// stateSnapshot is the value-copy StateView taken at the start of each
// risk check; a check is a pure function of this snapshot plus its input.
type stateSnapshot struct {
	dailyPnL          decimal.Decimal
	monthlyPnL        decimal.Decimal
	consecutiveLosses int
	tradeCountToday   int
	lastTradeTimes    map[string]time.Time
}

func (s *stateSnapshot) DailyPnL() decimal.Decimal   { return s.dailyPnL }
func (s *stateSnapshot) MonthlyPnL() decimal.Decimal { return s.monthlyPnL }
func (s *stateSnapshot) ConsecutiveLosses() int      { return s.consecutiveLosses }
func (s *stateSnapshot) TradeCountToday() int        { return s.tradeCountToday }

func (s *stateSnapshot) LastTradeTime(symbol string) (time.Time, bool) {
	t, ok := s.lastTradeTimes[symbol]
	return t, ok
}

// RiskAlert is one threshold breach produced by the portfolio analyzer
// or the engine's limit tracking.
type RiskAlert struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	Severity       RiskLevel `json:"severity"`
	Symbol         string    `json:"symbol,omitempty"`
	Message        string    `json:"message"`
	MetricValue    float64   `json:"metric_value"`
	Threshold      float64   `json:"threshold"`
	Recommendation string    `json:"recommendation,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
