package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/types"
)

// RiskRule is one independent predicate in the rule chain.
type RiskRule interface {
	Name() string
	// Applies reports whether the rule evaluates this order at all.
	// SELL orders skip the exposure-increasing rules.
	Applies(order *types.OrderRequest) bool
	Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error)
}

// RuleChain evaluates rules in a fixed order and fails fast on the
// first rejection. The order is load-bearing: later rules assume the
// invariants of earlier ones held.
type RuleChain struct {
	rules  []RiskRule
	logger *logrus.Entry
}

// NewRuleChain builds the chain in the canonical evaluation order.
func NewRuleChain(cfg config.RiskConfig, provider Provider, emergency *EmergencyStop) *RuleChain {
	return &RuleChain{
		rules: []RiskRule{
			&basicValidationRule{cfg: cfg},
			&emergencyStopRule{emergency: emergency},
			&dailyLossRule{limit: cfg.MaxDailyLossDecimal()},
			&monthlyLossRule{limit: cfg.MaxMonthlyLossDecimal()},
			&consecutiveLossRule{max: cfg.MaxConsecutiveLosses},
			&cashReserveRule{cfg: cfg, provider: provider},
			&totalExposureRule{cfg: cfg, provider: provider},
			&positionSizeRule{cfg: cfg, provider: provider},
			&sectorExposureRule{cfg: cfg, provider: provider},
			&tradeFrequencyRule{max: cfg.MaxTradesPerDay},
		},
		logger: logrus.WithField("component", "risk-rules"),
	}
}

// Evaluate runs the chain. It returns the first rejection, or an
// approval carrying the most severe advisory level seen. A rule error
// is converted into a CRITICAL rejection: the chain never lets an
// internal failure approve an order.
func (c *RuleChain) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, []*RiskCheckResult) {
	var warnings []*RiskCheckResult
	level := RiskLevelLow

	for _, rule := range c.rules {
		if !rule.Applies(order) {
			continue
		}

		result, err := c.runRule(rule, order, state)
		if err != nil {
			c.logger.Errorf("rule %s failed: %v", rule.Name(), err)
			return Reject(RiskLevelCritical,
				fmt.Sprintf("internal error in %s: %v", rule.Name(), err)), warnings
		}

		if !result.Approved {
			return result, warnings
		}

		level = MaxRiskLevel(level, result.RiskLevel)
		if result.Reason != "" && riskLevelRank[result.RiskLevel] >= riskLevelRank[RiskLevelMedium] {
			warnings = append(warnings, result)
		}
	}

	approved := Approve(level)
	if len(warnings) > 0 {
		approved.Reason = warnings[len(warnings)-1].Reason
	}
	return approved, warnings
}

// runRule isolates a single rule evaluation: a panic inside a rule or
// a provider call it makes degrades to an error, which Evaluate turns
// into a CRITICAL rejection instead of unwinding into the caller.
func (c *RuleChain) runRule(rule RiskRule, order *types.OrderRequest, state StateView) (result *RiskCheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Evaluate(order, state)
}

// ratioLevel maps a usage ratio against a limit to a risk level.
// Monotone in the ratio: LOW < 0.5 <= MEDIUM < 0.8 <= HIGH < 1.0 <= CRITICAL.
func ratioLevel(ratio float64) RiskLevel {
	switch {
	case ratio >= 1.0:
		return RiskLevelCritical
	case ratio >= 0.8:
		return RiskLevelHigh
	case ratio >= 0.5:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// 1. Basic validation

type basicValidationRule struct {
	cfg config.RiskConfig
}

func (r *basicValidationRule) Name() string                           { return "basic_validation" }
func (r *basicValidationRule) Applies(order *types.OrderRequest) bool { return true }

func (r *basicValidationRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	if order.Symbol == "" {
		return Reject(RiskLevelHigh, "order symbol is empty"), nil
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return Reject(RiskLevelHigh, fmt.Sprintf("invalid order side %q", order.Side)), nil
	}
	if order.Quantity.Sign() <= 0 {
		return Reject(RiskLevelHigh, "order quantity must be positive"), nil
	}
	if order.Price.Sign() <= 0 {
		return Reject(RiskLevelHigh, "order price must be positive"), nil
	}

	value := order.Value()
	if value.LessThan(decimal.NewFromFloat(r.cfg.MinOrderValue)) {
		return Reject(RiskLevelMedium, fmt.Sprintf(
			"order value %s below minimum %.0f", value, r.cfg.MinOrderValue)), nil
	}
	if value.GreaterThan(decimal.NewFromFloat(r.cfg.MaxOrderValue)) {
		return Reject(RiskLevelHigh, fmt.Sprintf(
			"order value %s exceeds maximum %.0f", value, r.cfg.MaxOrderValue)), nil
	}

	// Per-symbol reorder throttle, BUY only. Soft: two checks racing
	// before a fill is recorded may both pass; the broker is the final
	// arbiter of fill rate.
	if order.Side == types.OrderSideBuy && r.cfg.MinReorderInterval > 0 {
		if last, ok := state.LastTradeTime(order.Symbol); ok {
			if since := time.Since(last); since < r.cfg.MinReorderInterval {
				return Reject(RiskLevelMedium, fmt.Sprintf(
					"reorder interval for %s not elapsed (%s < %s)",
					order.Symbol, since.Round(time.Millisecond), r.cfg.MinReorderInterval)), nil
			}
		}
	}

	return Approve(RiskLevelLow), nil
}

// 2. Emergency stop gate

type emergencyStopRule struct {
	emergency *EmergencyStop
}

func (r *emergencyStopRule) Name() string                           { return "emergency_stop" }
func (r *emergencyStopRule) Applies(order *types.OrderRequest) bool { return true }

func (r *emergencyStopRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	if r.emergency != nil && r.emergency.IsActive() {
		return Reject(RiskLevelCritical, fmt.Sprintf(
			"emergency stop active: %s", r.emergency.ActiveReason())), nil
	}
	return Approve(RiskLevelLow), nil
}

// 3. Daily loss limit

type dailyLossRule struct {
	limit decimal.Decimal
}

func (r *dailyLossRule) Name() string                           { return "daily_loss_limit" }
func (r *dailyLossRule) Applies(order *types.OrderRequest) bool { return true }

func (r *dailyLossRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	return lossLimitResult("daily", state.DailyPnL(), r.limit), nil
}

// 4. Monthly loss limit

type monthlyLossRule struct {
	limit decimal.Decimal
}

func (r *monthlyLossRule) Name() string                           { return "monthly_loss_limit" }
func (r *monthlyLossRule) Applies(order *types.OrderRequest) bool { return true }

func (r *monthlyLossRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	return lossLimitResult("monthly", state.MonthlyPnL(), r.limit), nil
}

func lossLimitResult(period string, pnl, limit decimal.Decimal) *RiskCheckResult {
	if limit.Sign() <= 0 || pnl.Sign() >= 0 {
		return Approve(RiskLevelLow)
	}

	loss := pnl.Neg()
	ratio := loss.Div(limit).InexactFloat64()
	level := ratioLevel(ratio)

	if ratio >= 1.0 {
		return Reject(RiskLevelCritical, fmt.Sprintf(
			"%s loss %s reached limit %s", period, loss, limit))
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(level, fmt.Sprintf(
			"%s loss %s at %.0f%% of limit %s", period, loss, ratio*100, limit))
	}
	return Approve(level)
}

// 5. Consecutive-loss limit

type consecutiveLossRule struct {
	max int
}

func (r *consecutiveLossRule) Name() string                           { return "consecutive_losses" }
func (r *consecutiveLossRule) Applies(order *types.OrderRequest) bool { return true }

func (r *consecutiveLossRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	if r.max <= 0 {
		return Approve(RiskLevelLow), nil
	}

	losses := state.ConsecutiveLosses()
	ratio := float64(losses) / float64(r.max)
	if losses >= r.max {
		return Reject(RiskLevelCritical, fmt.Sprintf(
			"%d consecutive losses reached limit %d", losses, r.max)), nil
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(RiskLevelHigh, fmt.Sprintf(
			"%d consecutive losses approaching limit %d", losses, r.max)), nil
	}
	return Approve(ratioLevel(ratio)), nil
}

// 6. Cash reserve (BUY only)

type cashReserveRule struct {
	cfg      config.RiskConfig
	provider Provider
}

func (r *cashReserveRule) Name() string { return "cash_reserve" }
func (r *cashReserveRule) Applies(order *types.OrderRequest) bool {
	return order.Side == types.OrderSideBuy
}

func (r *cashReserveRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	portfolioValue := r.provider.GetPortfolioValue()
	if portfolioValue.Sign() <= 0 {
		return Reject(RiskLevelCritical, "portfolio value is zero"), nil
	}

	required := portfolioValue.Mul(decimal.NewFromFloat(r.cfg.MinCashReserveRatio))
	postCash := r.provider.GetCashBalance().Sub(order.Value())
	if postCash.LessThan(required) {
		return Reject(RiskLevelHigh, fmt.Sprintf(
			"post-trade cash %s below required reserve %s", postCash, required)), nil
	}
	if postCash.LessThan(required.Mul(decimal.NewFromFloat(1.2))) {
		return ApproveWithWarning(RiskLevelMedium, fmt.Sprintf(
			"post-trade cash %s near reserve floor %s", postCash, required)), nil
	}
	return Approve(RiskLevelLow), nil
}

// 7. Total exposure (BUY only)

type totalExposureRule struct {
	cfg      config.RiskConfig
	provider Provider
}

func (r *totalExposureRule) Name() string { return "total_exposure" }
func (r *totalExposureRule) Applies(order *types.OrderRequest) bool {
	return order.Side == types.OrderSideBuy
}

func (r *totalExposureRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	portfolioValue := r.provider.GetPortfolioValue()
	if portfolioValue.Sign() <= 0 {
		return Reject(RiskLevelCritical, "portfolio value is zero"), nil
	}

	limit := portfolioValue.Mul(decimal.NewFromFloat(r.cfg.MaxTotalExposureRatio))
	postExposure := r.provider.GetTotalExposure().Add(order.Value())
	ratio := postExposure.Div(limit).InexactFloat64()

	if postExposure.GreaterThan(limit) {
		return Reject(RiskLevelHigh, fmt.Sprintf(
			"post-trade exposure %s exceeds limit %s", postExposure, limit)), nil
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(RiskLevelHigh, fmt.Sprintf(
			"post-trade exposure %s at %.0f%% of limit", postExposure, ratio*100)), nil
	}
	return Approve(ratioLevel(ratio)), nil
}

// 8. Per-symbol position size (BUY only), with a suggested quantity
// computed from the remaining headroom when rejecting.

type positionSizeRule struct {
	cfg      config.RiskConfig
	provider Provider
}

func (r *positionSizeRule) Name() string { return "position_size" }
func (r *positionSizeRule) Applies(order *types.OrderRequest) bool {
	return order.Side == types.OrderSideBuy
}

func (r *positionSizeRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	portfolioValue := r.provider.GetPortfolioValue()
	if portfolioValue.Sign() <= 0 {
		return Reject(RiskLevelCritical, "portfolio value is zero"), nil
	}

	limit := portfolioValue.Mul(decimal.NewFromFloat(r.cfg.MaxPositionSizeRatio))
	existing := r.provider.GetPositionValue(order.Symbol)
	postValue := existing.Add(order.Value())
	ratio := postValue.Div(limit).InexactFloat64()

	if postValue.GreaterThan(limit) {
		headroom := limit.Sub(existing)
		suggested := int64(0)
		if headroom.Sign() > 0 {
			suggested = headroom.Div(order.Price).IntPart()
		}
		result := Reject(RiskLevelHigh, fmt.Sprintf(
			"post-trade position in %s would be %s, limit %s", order.Symbol, postValue, limit))
		result.SuggestedQuantity = suggested
		return result, nil
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(RiskLevelHigh, fmt.Sprintf(
			"position in %s at %.0f%% of per-symbol limit", order.Symbol, ratio*100)), nil
	}
	return Approve(ratioLevel(ratio)), nil
}

// 9. Sector exposure (BUY only)

type sectorExposureRule struct {
	cfg      config.RiskConfig
	provider Provider
}

func (r *sectorExposureRule) Name() string { return "sector_exposure" }
func (r *sectorExposureRule) Applies(order *types.OrderRequest) bool {
	return order.Side == types.OrderSideBuy
}

func (r *sectorExposureRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	sector := orderSector(order, r.provider)
	if sector == "" {
		// Unclassified symbols are not bounded by a sector limit.
		return Approve(RiskLevelLow), nil
	}

	portfolioValue := r.provider.GetPortfolioValue()
	if portfolioValue.Sign() <= 0 {
		return Reject(RiskLevelCritical, "portfolio value is zero"), nil
	}

	limit := portfolioValue.Mul(decimal.NewFromFloat(r.cfg.MaxSectorExposureRatio))
	postSector := r.provider.GetSectorExposure(sector).Add(order.Value())
	ratio := postSector.Div(limit).InexactFloat64()

	if postSector.GreaterThan(limit) {
		return Reject(RiskLevelHigh, fmt.Sprintf(
			"post-trade %s sector exposure %s exceeds limit %s", sector, postSector, limit)), nil
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(RiskLevelMedium, fmt.Sprintf(
			"%s sector exposure at %.0f%% of limit", sector, ratio*100)), nil
	}
	return Approve(ratioLevel(ratio)), nil
}

func orderSector(order *types.OrderRequest, provider Provider) string {
	if s, ok := order.Metadata["sector"].(string); ok && s != "" {
		return s
	}
	if pos, ok := provider.GetPosition(order.Symbol); ok {
		return pos.Sector
	}
	return ""
}

// 10. Trade frequency

type tradeFrequencyRule struct {
	max int
}

func (r *tradeFrequencyRule) Name() string                           { return "trade_frequency" }
func (r *tradeFrequencyRule) Applies(order *types.OrderRequest) bool { return true }

func (r *tradeFrequencyRule) Evaluate(order *types.OrderRequest, state StateView) (*RiskCheckResult, error) {
	if r.max <= 0 {
		return Approve(RiskLevelLow), nil
	}

	count := state.TradeCountToday()
	ratio := float64(count) / float64(r.max)
	if count >= r.max {
		return Reject(RiskLevelHigh, fmt.Sprintf(
			"daily trade count %d reached limit %d", count, r.max)), nil
	}
	if ratio >= 0.8 {
		return ApproveWithWarning(RiskLevelMedium, fmt.Sprintf(
			"daily trade count %d approaching limit %d", count, r.max)), nil
	}
	return Approve(ratioLevel(ratio)), nil
}
