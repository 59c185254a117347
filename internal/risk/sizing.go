package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/types"
)

// SizingInput carries the order parameters a sizer works from.
// StopLossPrice and TargetPrice are optional; zero means unset.
type SizingInput struct {
	Symbol        string
	Side          types.OrderSide
	EntryPrice    decimal.Decimal
	StopLossPrice decimal.Decimal
	TargetPrice   decimal.Decimal
}

// PositionSizeResult is the recommendation produced by a sizer.
type PositionSizeResult struct {
	Symbol              string          `json:"symbol"`
	RecommendedQuantity decimal.Decimal `json:"recommended_quantity"`
	RiskAmount          decimal.Decimal `json:"risk_amount"`
	PositionValue       decimal.Decimal `json:"position_value"`
	RiskRatio           float64         `json:"risk_ratio"`
	StopLossPrice       decimal.Decimal `json:"stop_loss_price"`
	Reasoning           string          `json:"reasoning"`
	Confidence          float64         `json:"confidence"`
}

// PositionSizer computes a recommended quantity for a prospective order.
type PositionSizer interface {
	Name() string
	CalculatePositionSize(ctx context.Context, input SizingInput) (*PositionSizeResult, error)
}

// NewPositionSizer builds the sizer named by the configuration.
func NewPositionSizer(cfg config.SizingConfig, provider Provider, stats StatsProvider) (PositionSizer, error) {
	fixed := &FixedRiskSizer{cfg: cfg, provider: provider}

	switch cfg.Strategy {
	case "", "fixed_risk":
		return fixed, nil
	case "volatility":
		return &VolatilitySizer{cfg: cfg, provider: provider, stats: stats, fallback: fixed}, nil
	case "kelly":
		return &KellySizer{cfg: cfg, provider: provider, stats: stats, fallback: fixed}, nil
	default:
		return nil, fmt.Errorf("unknown sizing strategy: %s", cfg.Strategy)
	}
}

// FixedRiskSizer risks a fixed fraction of portfolio value per trade.
type FixedRiskSizer struct {
	cfg      config.SizingConfig
	provider Provider
}

func (s *FixedRiskSizer) Name() string { return "fixed_risk" }

func (s *FixedRiskSizer) CalculatePositionSize(ctx context.Context, input SizingInput) (*PositionSizeResult, error) {
	return s.sizeWithRisk(input, s.cfg.RiskPerTrade, 0.7,
		fmt.Sprintf("fixed risk of %.2f%% of portfolio per trade", s.cfg.RiskPerTrade*100))
}

// sizeWithRisk is the shared core: quantity = floor(riskBudget / stopDistance),
// clipped to the per-position cap, then cash and lot validated.
func (s *FixedRiskSizer) sizeWithRisk(input SizingInput, riskRatio float64, confidence float64, reasoning string) (*PositionSizeResult, error) {
	if input.EntryPrice.Sign() <= 0 {
		return nil, fmt.Errorf("entry price must be positive")
	}

	stopPrice := input.StopLossPrice
	if stopPrice.Sign() <= 0 {
		stopPct := decimal.NewFromFloat(s.cfg.DefaultStopPct / 100)
		if input.Side == types.OrderSideSell {
			stopPrice = input.EntryPrice.Mul(decimal.NewFromInt(1).Add(stopPct))
		} else {
			stopPrice = input.EntryPrice.Mul(decimal.NewFromInt(1).Sub(stopPct))
		}
	}

	stopDistance := input.EntryPrice.Sub(stopPrice).Abs()
	if stopDistance.Sign() <= 0 {
		return nil, fmt.Errorf("stop distance is zero for %s", input.Symbol)
	}

	portfolioValue := s.provider.GetPortfolioValue()
	if portfolioValue.Sign() <= 0 {
		return &PositionSizeResult{
			Symbol:        input.Symbol,
			StopLossPrice: stopPrice,
			Reasoning:     "portfolio value is zero",
		}, nil
	}

	riskBudget := portfolioValue.Mul(decimal.NewFromFloat(riskRatio))
	quantity := riskBudget.Div(stopDistance).Floor()

	if s.cfg.MaxPositionRatio > 0 {
		maxQty := portfolioValue.Mul(decimal.NewFromFloat(s.cfg.MaxPositionRatio)).
			Div(input.EntryPrice).Floor()
		if quantity.GreaterThan(maxQty) {
			quantity = maxQty
			reasoning += "; clipped to max position ratio"
		}
	}

	result := &PositionSizeResult{
		Symbol:              input.Symbol,
		RecommendedQuantity: quantity,
		RiskAmount:          quantity.Mul(stopDistance),
		PositionValue:       quantity.Mul(input.EntryPrice),
		RiskRatio:           riskRatio,
		StopLossPrice:       stopPrice,
		Reasoning:           reasoning,
		Confidence:          confidence,
	}
	s.validate(input, result)
	return result, nil
}

// validate shrinks the recommendation to available cash and zeroes
// sub-lot quantities.
func (s *FixedRiskSizer) validate(input SizingInput, result *PositionSizeResult) {
	if input.Side == types.OrderSideBuy {
		cash := s.provider.GetCashBalance()
		if result.PositionValue.GreaterThan(cash) {
			affordable := decimal.Zero
			if input.EntryPrice.Sign() > 0 {
				affordable = cash.Div(input.EntryPrice).Floor()
			}
			if affordable.Sign() < 0 {
				affordable = decimal.Zero
			}
			result.RecommendedQuantity = affordable
			result.PositionValue = affordable.Mul(input.EntryPrice)
			result.RiskAmount = affordable.Mul(input.EntryPrice.Sub(result.StopLossPrice).Abs())
			result.Reasoning += "; reduced to available cash"
			result.Confidence *= 0.7
		}
	}

	minLot := decimal.NewFromInt(s.cfg.MinLotSize)
	if minLot.Sign() > 0 && result.RecommendedQuantity.LessThan(minLot) {
		result.RecommendedQuantity = decimal.Zero
		result.PositionValue = decimal.Zero
		result.RiskAmount = decimal.Zero
		result.Reasoning += "; below minimum lot size"
		result.Confidence = 0
	}
}

// VolatilitySizer scales the risk fraction inversely with realized
// volatility and stops at twice the ATR.
type VolatilitySizer struct {
	cfg      config.SizingConfig
	provider Provider
	stats    StatsProvider
	fallback *FixedRiskSizer
}

func (s *VolatilitySizer) Name() string { return "volatility" }

func (s *VolatilitySizer) CalculatePositionSize(ctx context.Context, input SizingInput) (*PositionSizeResult, error) {
	stats, err := s.stats.GetStats(ctx, input.Symbol)
	if err != nil || stats.Volatility <= 0 {
		if err != nil {
			logrus.WithField("component", "sizer").
				Warnf("stats lookup failed for %s, using fixed risk: %v", input.Symbol, err)
		}
		return s.fallback.CalculatePositionSize(ctx, input)
	}

	scale := 1.0 / stats.Volatility
	if scale > 2.0 {
		scale = 2.0
	} else if scale < 0.5 {
		scale = 0.5
	}

	if input.StopLossPrice.Sign() <= 0 && stats.ATR > 0 {
		atrDistance := decimal.NewFromFloat(stats.ATR * 2)
		if input.Side == types.OrderSideSell {
			input.StopLossPrice = input.EntryPrice.Add(atrDistance)
		} else {
			input.StopLossPrice = input.EntryPrice.Sub(atrDistance)
		}
	}

	riskRatio := s.cfg.RiskPerTrade * scale
	reasoning := fmt.Sprintf("volatility %.4f scales risk by %.2f, stop at 2x ATR", stats.Volatility, scale)
	return s.fallback.sizeWithRisk(input, riskRatio, 0.75, reasoning)
}

// KellySizer applies a fractional Kelly criterion over recorded win
// rate and payoff ratio.
type KellySizer struct {
	cfg      config.SizingConfig
	provider Provider
	stats    StatsProvider
	fallback *FixedRiskSizer
}

func (s *KellySizer) Name() string { return "kelly" }

func (s *KellySizer) CalculatePositionSize(ctx context.Context, input SizingInput) (*PositionSizeResult, error) {
	stats, err := s.stats.GetStats(ctx, input.Symbol)
	if err != nil || stats.WinRate <= 0 || stats.PayoffRatio <= 0 {
		if err != nil {
			logrus.WithField("component", "sizer").
				Warnf("stats lookup failed for %s, using fixed risk: %v", input.Symbol, err)
		}
		return s.fallback.CalculatePositionSize(ctx, input)
	}

	p := stats.WinRate
	q := 1 - p
	b := stats.PayoffRatio
	f := (b*p - q) / b

	maxFraction := s.cfg.KellyMaxFraction
	if maxFraction <= 0 {
		maxFraction = 0.25
	}
	if f < 0 {
		f = 0
	} else if f > maxFraction {
		f = maxFraction
	}

	conservatism := s.cfg.KellyConservatism
	if conservatism <= 0 {
		conservatism = 0.25
	}
	f *= conservatism

	confidence := 0.6
	if stats.SampleSize >= 30 {
		confidence = 0.8
	}

	reasoning := fmt.Sprintf("kelly fraction %.4f from win rate %.2f and payoff %.2f", f, p, b)
	return s.fallback.sizeWithRisk(input, f, confidence, reasoning)
}
