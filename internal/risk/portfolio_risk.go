package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

const (
	portfolioMetricsKey = "albatross:risk:metrics"
	alertsKey           = "albatross:risk:alerts"
	maxStoredAlerts     = 100

	annualTradingDays = 252
	var95Z            = 1.65
	shortfallFactor   = 1.25

	weightConcentration = 0.25
	weightVolatility    = 0.25
	weightCorrelation   = 0.20
	weightSector        = 0.15
	weightLiquidity     = 0.15

	sameSectorCorrelation  = 0.85
	crossSectorCorrelation = 0.40
	defaultSymbolVol       = 0.30
	illiquidScoreCutoff    = 0.3
)

// ConcentrationMetrics measures how lopsided the book is.
type ConcentrationMetrics struct {
	MaxPositionWeight float64 `json:"max_position_weight"`
	Top5Concentration float64 `json:"top5_concentration"`
	HerfindahlIndex   float64 `json:"herfindahl_index"`
}

// VolatilityMetrics holds the portfolio volatility estimate and the
// derived tail measures.
type VolatilityMetrics struct {
	PortfolioVolatility float64         `json:"portfolio_volatility"`
	ValueAtRisk95       decimal.Decimal `json:"value_at_risk_95"`
	ExpectedShortfall   decimal.Decimal `json:"expected_shortfall"`
}

// CorrelationMetrics approximates cross-position correlation from
// sector membership.
type CorrelationMetrics struct {
	AverageCorrelation float64 `json:"average_correlation"`
	MaxCorrelation     float64 `json:"max_correlation"`
	CorrelationRisk    float64 `json:"correlation_risk"`
}

// SectorMetrics measures sector spread.
type SectorMetrics struct {
	SectorCount     int     `json:"sector_count"`
	MaxSectorWeight float64 `json:"max_sector_weight"`
	DiversityScore  float64 `json:"diversity_score"`
}

// LiquidityMetrics measures how quickly the book could be unwound.
type LiquidityMetrics struct {
	AverageLiquidity float64 `json:"average_liquidity"`
	IlliquidRatio    float64 `json:"illiquid_ratio"`
}

// PortfolioRiskMetrics is the full analyzer output, always rebuilt
// whole from the current position snapshot.
type PortfolioRiskMetrics struct {
	Concentration    ConcentrationMetrics `json:"concentration"`
	Volatility       VolatilityMetrics    `json:"volatility"`
	Correlation      CorrelationMetrics   `json:"correlation"`
	Sector           SectorMetrics        `json:"sector"`
	Liquidity        LiquidityMetrics     `json:"liquidity"`
	OverallRiskScore float64              `json:"overall_risk_score"`
	PositionCount    int                  `json:"position_count"`
	Timestamp        time.Time            `json:"timestamp"`
}

// PortfolioRiskManager runs the periodic aggregate analysis.
type PortfolioRiskManager struct {
	cfg      config.PortfolioConfig
	provider Provider
	stats    StatsProvider
	store    *store.Store
	bus      *bus.Bus
	logger   *logrus.Entry
}

// NewPortfolioRiskManager creates the analyzer.
func NewPortfolioRiskManager(cfg config.PortfolioConfig, provider Provider, stats StatsProvider,
	st *store.Store, eventBus *bus.Bus) *PortfolioRiskManager {

	return &PortfolioRiskManager{
		cfg:      cfg,
		provider: provider,
		stats:    stats,
		store:    st,
		bus:      eventBus,
		logger:   logrus.WithField("component", "portfolio-risk"),
	}
}

// Analyze recomputes all metric groups from the current positions and
// returns the snapshot plus any threshold-breach alerts. An empty
// portfolio yields a zero-valued snapshot and no alerts.
func (m *PortfolioRiskManager) Analyze(ctx context.Context) (*PortfolioRiskMetrics, []RiskAlert) {
	positions := m.provider.Positions()
	metrics := &PortfolioRiskMetrics{
		PositionCount: len(positions),
		Timestamp:     time.Now(),
	}
	if len(positions) == 0 {
		return metrics, nil
	}

	totalValue := decimal.Zero
	for _, pos := range positions {
		totalValue = totalValue.Add(pos.Value())
	}
	if totalValue.Sign() <= 0 {
		return metrics, nil
	}

	weights := make([]float64, 0, len(positions))
	for _, pos := range positions {
		weights = append(weights, pos.Value().Div(totalValue).InexactFloat64())
	}

	metrics.Concentration = m.concentration(weights)
	metrics.Volatility = m.volatility(ctx, positions, weights, totalValue)
	metrics.Correlation = m.correlation(positions, weights)
	metrics.Sector = m.sector(positions, totalValue)
	metrics.Liquidity = m.liquidity(positions, weights)
	metrics.OverallRiskScore = m.overallScore(metrics)

	return metrics, m.buildAlerts(metrics)
}

// Run performs one analysis pass, persists the snapshot and publishes
// any alerts.
func (m *PortfolioRiskManager) Run(ctx context.Context) (*PortfolioRiskMetrics, []RiskAlert) {
	metrics, alerts := m.Analyze(ctx)

	if m.store != nil {
		if raw, err := json.Marshal(metrics); err == nil {
			if err := m.store.Set(ctx, portfolioMetricsKey, string(raw), 0); err != nil {
				m.logger.Errorf("failed to persist portfolio metrics: %v", err)
			}
		}
	}

	for i := range alerts {
		m.publishAlert(ctx, &alerts[i])
	}
	return metrics, alerts
}

func (m *PortfolioRiskManager) concentration(weights []float64) ConcentrationMetrics {
	sorted := make([]float64, len(weights))
	copy(sorted, weights)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	var c ConcentrationMetrics
	c.MaxPositionWeight = sorted[0]
	for i, w := range sorted {
		if i < 5 {
			c.Top5Concentration += w
		}
		c.HerfindahlIndex += w * w
	}
	return c
}

func (m *PortfolioRiskManager) volatility(ctx context.Context, positions []*types.Position,
	weights []float64, totalValue decimal.Decimal) VolatilityMetrics {

	// Weighted average of per-symbol annualized vols; symbols without
	// recorded stats take a default.
	portfolioVol := 0.0
	for i, pos := range positions {
		vol := defaultSymbolVol
		if m.stats != nil {
			if stats, err := m.stats.GetStats(ctx, pos.Symbol); err == nil && stats.Volatility > 0 {
				vol = stats.Volatility
			}
		}
		portfolioVol += weights[i] * vol
	}

	dailyVol := portfolioVol / math.Sqrt(annualTradingDays)
	varAmount := totalValue.Mul(decimal.NewFromFloat(dailyVol * var95Z))

	return VolatilityMetrics{
		PortfolioVolatility: portfolioVol,
		ValueAtRisk95:       varAmount,
		ExpectedShortfall:   varAmount.Mul(decimal.NewFromFloat(shortfallFactor)),
	}
}

func (m *PortfolioRiskManager) correlation(positions []*types.Position, weights []float64) CorrelationMetrics {
	if len(positions) < 2 {
		return CorrelationMetrics{}
	}

	// Sector membership as a correlation proxy until a returns-based
	// estimator is wired in.
	var sum, max float64
	pairs := 0
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			corr := crossSectorCorrelation
			if positions[i].Sector != "" && positions[i].Sector == positions[j].Sector {
				corr = sameSectorCorrelation
			}
			sum += corr
			if corr > max {
				max = corr
			}
			pairs++
		}
	}

	avg := sum / float64(pairs)
	return CorrelationMetrics{
		AverageCorrelation: avg,
		MaxCorrelation:     max,
		CorrelationRisk:    avg*0.7 + max*0.3,
	}
}

func (m *PortfolioRiskManager) sector(positions []*types.Position, totalValue decimal.Decimal) SectorMetrics {
	sectorValues := make(map[string]decimal.Decimal)
	for _, pos := range positions {
		sector := pos.Sector
		if sector == "" {
			sector = "unclassified"
		}
		sectorValues[sector] = sectorValues[sector].Add(pos.Value())
	}

	var s SectorMetrics
	s.SectorCount = len(sectorValues)
	herfindahl := 0.0
	for _, value := range sectorValues {
		w := value.Div(totalValue).InexactFloat64()
		if w > s.MaxSectorWeight {
			s.MaxSectorWeight = w
		}
		herfindahl += w * w
	}
	s.DiversityScore = 1 - herfindahl
	return s
}

func (m *PortfolioRiskManager) liquidity(positions []*types.Position, weights []float64) LiquidityMetrics {
	var l LiquidityMetrics
	for i, pos := range positions {
		l.AverageLiquidity += weights[i] * pos.LiquidityScore
		if pos.LiquidityScore < illiquidScoreCutoff {
			l.IlliquidRatio += weights[i]
		}
	}
	return l
}

// overallScore normalizes each group against its configured threshold
// and combines them with fixed weights.
func (m *PortfolioRiskManager) overallScore(metrics *PortfolioRiskMetrics) float64 {
	concentration := normalize(metrics.Concentration.HerfindahlIndex, m.cfg.MaxHerfindahl)
	volatility := normalize(metrics.Volatility.PortfolioVolatility, m.cfg.MaxVolatility)
	correlation := normalize(metrics.Correlation.CorrelationRisk, m.cfg.MaxCorrelation)
	sector := normalize(metrics.Sector.MaxSectorWeight, m.cfg.MaxSectorWeight)

	liquidity := 0.0
	if m.cfg.MinLiquidityScore > 0 && metrics.Liquidity.AverageLiquidity < m.cfg.MinLiquidityScore {
		liquidity = normalize(m.cfg.MinLiquidityScore-metrics.Liquidity.AverageLiquidity, m.cfg.MinLiquidityScore)
	}

	score := concentration*weightConcentration +
		volatility*weightVolatility +
		correlation*weightCorrelation +
		sector*weightSector +
		liquidity*weightLiquidity
	return math.Min(1.0, score)
}

func (m *PortfolioRiskManager) buildAlerts(metrics *PortfolioRiskMetrics) []RiskAlert {
	var alerts []RiskAlert
	now := metrics.Timestamp

	add := func(category string, severity RiskLevel, message string, value, threshold float64, recommendation string) {
		alerts = append(alerts, RiskAlert{
			ID:             uuid.NewString(),
			Category:       category,
			Severity:       severity,
			Message:        message,
			MetricValue:    value,
			Threshold:      threshold,
			Recommendation: recommendation,
			Timestamp:      now,
		})
	}

	if metrics.Concentration.MaxPositionWeight > m.cfg.MaxPositionWeight {
		add("concentration", RiskLevelHigh,
			fmt.Sprintf("largest position is %.1f%% of portfolio", metrics.Concentration.MaxPositionWeight*100),
			metrics.Concentration.MaxPositionWeight, m.cfg.MaxPositionWeight,
			"reduce the largest position")
	}
	if metrics.Concentration.HerfindahlIndex > m.cfg.MaxHerfindahl {
		add("concentration", RiskLevelMedium,
			fmt.Sprintf("herfindahl index %.3f exceeds limit", metrics.Concentration.HerfindahlIndex),
			metrics.Concentration.HerfindahlIndex, m.cfg.MaxHerfindahl,
			"spread exposure across more symbols")
	}
	if metrics.Volatility.PortfolioVolatility > m.cfg.MaxVolatility {
		add("volatility", RiskLevelHigh,
			fmt.Sprintf("portfolio volatility %.2f exceeds limit", metrics.Volatility.PortfolioVolatility),
			metrics.Volatility.PortfolioVolatility, m.cfg.MaxVolatility,
			"rotate into lower volatility symbols")
	}
	if metrics.Correlation.CorrelationRisk > m.cfg.MaxCorrelation {
		add("correlation", RiskLevelMedium,
			fmt.Sprintf("correlation risk %.2f exceeds limit", metrics.Correlation.CorrelationRisk),
			metrics.Correlation.CorrelationRisk, m.cfg.MaxCorrelation,
			"add uncorrelated positions")
	}
	if metrics.Sector.MaxSectorWeight > m.cfg.MaxSectorWeight {
		add("sector", RiskLevelHigh,
			fmt.Sprintf("largest sector is %.1f%% of portfolio", metrics.Sector.MaxSectorWeight*100),
			metrics.Sector.MaxSectorWeight, m.cfg.MaxSectorWeight,
			"rebalance sector exposure")
	}
	if m.cfg.MinLiquidityScore > 0 && metrics.Liquidity.AverageLiquidity < m.cfg.MinLiquidityScore {
		add("liquidity", RiskLevelMedium,
			fmt.Sprintf("average liquidity score %.2f below minimum", metrics.Liquidity.AverageLiquidity),
			metrics.Liquidity.AverageLiquidity, m.cfg.MinLiquidityScore,
			"trim illiquid positions")
	}
	return alerts
}

func (m *PortfolioRiskManager) publishAlert(ctx context.Context, alert *RiskAlert) {
	if m.store != nil {
		if raw, err := json.Marshal(alert); err == nil {
			if err := m.store.ListPush(ctx, alertsKey, string(raw), maxStoredAlerts); err != nil {
				m.logger.Errorf("failed to store alert: %v", err)
			}
		}
	}

	if m.bus != nil {
		if ev, err := types.NewEvent(types.EventPortfolioRiskAlert, "risk-engine", alert, ""); err == nil {
			if err := m.bus.Publish(ev); err != nil {
				m.logger.Errorf("failed to publish alert: %v", err)
			}
		}
	}

	m.logger.WithFields(logrus.Fields{
		"category": alert.Category,
		"severity": alert.Severity,
	}).Warn(alert.Message)
}

func normalize(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(1.0, value/threshold)
}
