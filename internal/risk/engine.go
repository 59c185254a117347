package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/internal/portfolio"
	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

const (
	dailyPnLKeyPrefix   = "albatross:risk:daily_pnl:"
	monthlyPnLKeyPrefix = "albatross:risk:monthly_pnl:"
	consecLossesKey     = "albatross:risk:consecutive_losses"
	tradeCountKeyPrefix = "albatross:risk:trade_count:"

	counterTTL = 45 * 24 * time.Hour
)

// Engine is the risk subsystem facade. It owns the four mutable
// counters and wires the rule chain, stop manager, emergency stop,
// sizer, analyzer and monitor together.
//
// Counter updates hold e.mu for the read-modify-write only; store
// writes happen after the lock is released, so a concurrent reader
// may briefly observe a counter the store has not seen yet.
type Engine struct {
	cfg       *config.Config
	portfolio *portfolio.Manager
	store     *store.Store
	bus       *bus.Bus
	secrets   AdminKeySource
	logger    *logrus.Entry

	mu                sync.Mutex
	dailyPnL          decimal.Decimal
	monthlyPnL        decimal.Decimal
	consecutiveLosses int
	tradeCountToday   int
	lastTradeTimes    map[string]time.Time
	counterDay        string
	counterMonth      string

	now func() time.Time

	chain     *RuleChain
	stops     *StopManager
	emergency *EmergencyStop
	sizer     PositionSizer
	analyzer  *PortfolioRiskManager
	monitor   *Monitor
	stats     StatsProvider

	subs    []*bus.Subscription
	cancel  context.CancelFunc
	started bool
}

// AdminKeySource resolves the emergency-reset admin key, typically
// backed by vault with a config fallback.
type AdminKeySource interface {
	GetAdminKey(path, fallback string) string
}

// NewEngine creates the facade. Sub-components are built in Start, not
// here: they hold a back-reference to the engine and must not observe
// it half-constructed.
func NewEngine(cfg *config.Config, pm *portfolio.Manager, st *store.Store, eventBus *bus.Bus, secrets AdminKeySource) *Engine {
	e := &Engine{
		cfg:            cfg,
		portfolio:      pm,
		store:          st,
		bus:            eventBus,
		secrets:        secrets,
		dailyPnL:       decimal.Zero,
		monthlyPnL:     decimal.Zero,
		lastTradeTimes: make(map[string]time.Time),
		now:            time.Now,
		logger:         logrus.WithField("component", "risk-engine"),
	}
	e.counterDay = dayKey(e.now())
	e.counterMonth = monthKey(e.now())
	return e
}

// rolloverLocked zeroes the daily counters (and the monthly P&L) when
// the clock has crossed into a new day or month since the last access,
// so a long-running process does not judge today's orders against
// yesterday's losses. Caller must hold e.mu.
func (e *Engine) rolloverLocked(now time.Time) {
	if day := dayKey(now); day != e.counterDay {
		e.logger.Infof("daily counter rollover %s -> %s", e.counterDay, day)
		e.counterDay = day
		e.dailyPnL = decimal.Zero
		e.tradeCountToday = 0
	}
	if month := monthKey(now); month != e.counterMonth {
		e.logger.Infof("monthly counter rollover %s -> %s", e.counterMonth, month)
		e.counterMonth = month
		e.monthlyPnL = decimal.Zero
	}
}

// Start builds the sub-components, restores persisted state, subscribes
// to execution and market-data events, exposes the risk-check RPC and
// launches the monitor loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("risk engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	adminKey := e.cfg.Risk.AdminKey
	if e.secrets != nil {
		adminKey = e.secrets.GetAdminKey(e.cfg.Vault.KeyPath, adminKey)
	}

	e.stats = NewRedisStatsProvider(e.store)
	e.emergency = NewEmergencyStop(EmergencyLimits{
		MaxDailyLoss:         e.cfg.Risk.MaxDailyLossDecimal(),
		MaxMonthlyLoss:       e.cfg.Risk.MaxMonthlyLossDecimal(),
		MaxConsecutiveLosses: e.cfg.Risk.MaxConsecutiveLosses,
	}, adminKey, e.stateView(), e.portfolio, e.store, e.bus, e.Metrics)

	e.chain = NewRuleChain(e.cfg.Risk, e.portfolio, e.emergency)
	e.stops = NewStopManager(e.cfg.StopLoss, e.portfolio, e.bus)

	sizer, err := NewPositionSizer(e.cfg.Sizing, e.portfolio, e.stats)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to build position sizer: %w", err)
	}
	e.sizer = sizer

	e.analyzer = NewPortfolioRiskManager(e.cfg.Portfolio, e.portfolio, e.stats, e.store, e.bus)

	e.emergency.Restore(runCtx)
	if err := e.loadState(runCtx); err != nil {
		e.logger.Warnf("failed to load persisted counters: %v", err)
	}

	if err := e.subscribe(); err != nil {
		cancel()
		return err
	}

	if e.cfg.Risk.MonitorEnabled {
		e.monitor = NewMonitor(e.cfg.Risk.MonitorInterval, e.Metrics, e.analyzer, e.emergency, e.store, e.bus)
		e.monitor.Start(runCtx)
	}

	e.started = true
	e.logger.Info("risk engine started")
	return nil
}

// Stop unsubscribes and halts the monitor. In-memory counters are
// intentionally kept; they reset only on rollover or restart.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warnf("unsubscribe failed: %v", err)
		}
	}
	e.subs = nil
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
	e.logger.Info("risk engine stopped")
}

func (e *Engine) subscribe() error {
	if e.bus == nil {
		return nil
	}

	execSub, err := e.bus.Subscribe(types.EventOrderExecuted, e.handleOrderExecuted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to executions: %w", err)
	}
	e.subs = append(e.subs, execSub)

	tickSub, err := e.bus.Subscribe(types.EventMarketTick, e.handleMarketTick)
	if err != nil {
		return fmt.Errorf("failed to subscribe to market data: %w", err)
	}
	e.subs = append(e.subs, tickSub)

	rpcSub, err := e.bus.Serve(bus.SubjectRiskCheck, e.serveRiskCheck)
	if err != nil {
		return fmt.Errorf("failed to serve risk checks: %w", err)
	}
	e.subs = append(e.subs, rpcSub)
	return nil
}

// CheckOrderRisk evaluates an order against the rule chain. It never
// returns an error; internal failures surface as CRITICAL rejections.
// Exceeding the configured soft deadline is logged, not enforced.
func (e *Engine) CheckOrderRisk(ctx context.Context, order *types.OrderRequest) *RiskCheckResult {
	started := time.Now()

	e.emergency.CheckConditions(ctx)

	snapshot := e.snapshot()
	result, warnings := e.chain.Evaluate(order, snapshot)

	for _, w := range warnings {
		e.publishCheckAlert(ctx, order, w, "advisory")
	}
	if !result.Approved && result.RiskLevel == RiskLevelCritical {
		e.publishCheckAlert(ctx, order, result, "rejection")
	}

	if elapsed := time.Since(started); e.cfg.Risk.CheckWarnTimeout > 0 && elapsed > e.cfg.Risk.CheckWarnTimeout {
		e.logger.Warnf("risk check for %s took %s (soft limit %s)",
			order.Symbol, elapsed.Round(time.Millisecond), e.cfg.Risk.CheckWarnTimeout)
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"approved": result.Approved,
		"level":    result.RiskLevel,
	}).Debug("risk check completed")
	return result
}

// CalculatePositionSize delegates to the configured sizing strategy.
func (e *Engine) CalculatePositionSize(ctx context.Context, input SizingInput) (*PositionSizeResult, error) {
	return e.sizer.CalculatePositionSize(ctx, input)
}

// UpdatePositionRisk feeds a price tick to the stop machinery for one
// symbol. Returns the triggered action, if any.
func (e *Engine) UpdatePositionRisk(ctx context.Context, symbol string, price decimal.Decimal) *StopAction {
	e.portfolio.MarkPrice(symbol, price)
	return e.stops.CheckPositions(ctx, symbol, price)
}

// UpdateDailyPnL accumulates realized P&L for the day and reports
// whether the hard daily loss limit is now breached.
func (e *Engine) UpdateDailyPnL(ctx context.Context, delta decimal.Decimal) bool {
	now := e.now()

	e.mu.Lock()
	e.rolloverLocked(now)
	e.dailyPnL = e.dailyPnL.Add(delta)
	pnl := e.dailyPnL
	e.mu.Unlock()

	e.persistCounter(ctx, dailyPnLKeyPrefix+dayKey(now), pnl.String())
	return e.checkLossLimit(ctx, "daily", pnl, e.cfg.Risk.MaxDailyLossDecimal())
}

// UpdateMonthlyPnL accumulates realized P&L for the month and reports
// whether the hard monthly loss limit is now breached.
func (e *Engine) UpdateMonthlyPnL(ctx context.Context, delta decimal.Decimal) bool {
	now := e.now()

	e.mu.Lock()
	e.rolloverLocked(now)
	e.monthlyPnL = e.monthlyPnL.Add(delta)
	pnl := e.monthlyPnL
	e.mu.Unlock()

	e.persistCounter(ctx, monthlyPnLKeyPrefix+monthKey(now), pnl.String())
	return e.checkLossLimit(ctx, "monthly", pnl, e.cfg.Risk.MaxMonthlyLossDecimal())
}

// UpdateConsecutiveLosses advances or resets the losing streak.
func (e *Engine) UpdateConsecutiveLosses(ctx context.Context, profitable bool) int {
	e.mu.Lock()
	if profitable {
		e.consecutiveLosses = 0
	} else {
		e.consecutiveLosses++
	}
	losses := e.consecutiveLosses
	e.mu.Unlock()

	e.persistCounter(ctx, consecLossesKey, strconv.Itoa(losses))
	return losses
}

// ShouldStopTrading reports whether the emergency stop is active.
func (e *Engine) ShouldStopTrading() bool {
	return e.emergency.IsActive()
}

// Emergency exposes the circuit breaker for operator actions.
func (e *Engine) Emergency() *EmergencyStop {
	return e.emergency
}

// StopManager exposes the protective-exit machinery.
func (e *Engine) StopManager() *StopManager {
	return e.stops
}

// Metrics builds a whole point-in-time snapshot of engine risk state.
func (e *Engine) Metrics() *RiskMetrics {
	e.mu.Lock()
	e.rolloverLocked(e.now())
	dailyPnL := e.dailyPnL
	monthlyPnL := e.monthlyPnL
	losses := e.consecutiveLosses
	e.mu.Unlock()

	portfolioValue := e.portfolio.GetPortfolioValue()
	exposure := e.portfolio.GetTotalExposure()

	leverage := 0.0
	if portfolioValue.Sign() > 0 {
		leverage = exposure.Div(portfolioValue).InexactFloat64()
	}

	return &RiskMetrics{
		PortfolioValue:   portfolioValue,
		CashBalance:      e.portfolio.GetCashBalance(),
		TotalExposure:    exposure,
		DailyPnL:         dailyPnL,
		MonthlyPnL:       monthlyPnL,
		PositionCount:    e.portfolio.GetPositionCount(),
		MaxPositionValue: e.portfolio.GetMaxPositionValue(),
		RiskScore:        e.riskScore(dailyPnL, losses, leverage),
		LeverageRatio:    leverage,
		Timestamp:        time.Now(),
	}
}

// riskScore is a coarse composite of loss-limit usage, streak usage
// and leverage, each clamped to [0,1].
func (e *Engine) riskScore(dailyPnL decimal.Decimal, losses int, leverage float64) float64 {
	lossRatio := 0.0
	if limit := e.cfg.Risk.MaxDailyLossDecimal(); limit.Sign() > 0 && dailyPnL.Sign() < 0 {
		lossRatio = clamp01(dailyPnL.Neg().Div(limit).InexactFloat64())
	}

	streakRatio := 0.0
	if e.cfg.Risk.MaxConsecutiveLosses > 0 {
		streakRatio = clamp01(float64(losses) / float64(e.cfg.Risk.MaxConsecutiveLosses))
	}

	leverageRatio := 0.0
	if e.cfg.Risk.MaxTotalExposureRatio > 0 {
		leverageRatio = clamp01(leverage / e.cfg.Risk.MaxTotalExposureRatio)
	}

	return clamp01(lossRatio*0.4 + streakRatio*0.3 + leverageRatio*0.3)
}

// handleOrderExecuted applies a fill to the portfolio and advances the
// engine counters. A breached loss limit triggers an immediate
// emergency-condition recheck.
func (e *Engine) handleOrderExecuted(ev *types.Event) {
	var trade types.ExecutedTrade
	if err := ev.Decode(&trade); err != nil {
		e.logger.Errorf("malformed execution event: %v", err)
		return
	}

	ctx := context.Background()
	e.portfolio.ApplyFill(ctx, &trade)

	// A fully closed position takes its protective stops with it, so a
	// later position in the same symbol starts from a clean slate.
	if trade.Side == types.OrderSideSell {
		if _, open := e.portfolio.GetPosition(trade.Symbol); !open {
			e.stops.CancelStops(trade.Symbol)
		}
	}

	now := e.now()

	e.mu.Lock()
	e.rolloverLocked(now)
	e.tradeCountToday++
	count := e.tradeCountToday
	e.lastTradeTimes[trade.Symbol] = trade.ExecutedAt
	e.mu.Unlock()

	e.persistCounter(ctx, tradeCountKeyPrefix+dayKey(now), strconv.Itoa(count))

	breached := false
	if !trade.RealizedPnL.IsZero() {
		if e.UpdateDailyPnL(ctx, trade.RealizedPnL) {
			breached = true
		}
		if e.UpdateMonthlyPnL(ctx, trade.RealizedPnL) {
			breached = true
		}
		e.UpdateConsecutiveLosses(ctx, trade.RealizedPnL.Sign() > 0)
	}
	if breached {
		e.emergency.CheckConditions(ctx)
	}
}

// handleMarketTick updates mark prices and runs the stop machinery.
func (e *Engine) handleMarketTick(ev *types.Event) {
	var tick types.MarketTick
	if err := ev.Decode(&tick); err != nil {
		e.logger.Errorf("malformed market tick: %v", err)
		return
	}
	if tick.Symbol == "" || tick.Close.Sign() <= 0 {
		return
	}
	e.UpdatePositionRisk(context.Background(), tick.Symbol, tick.Close)
}

// serveRiskCheck is the request/reply entry point for order gateways.
func (e *Engine) serveRiskCheck(data []byte) ([]byte, error) {
	var order types.OrderRequest
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("malformed risk check request: %w", err)
	}

	result := e.CheckOrderRisk(context.Background(), &order)
	return json.Marshal(result)
}

func (e *Engine) checkLossLimit(ctx context.Context, period string, pnl, limit decimal.Decimal) bool {
	if limit.Sign() <= 0 || pnl.Sign() >= 0 {
		return false
	}

	loss := pnl.Neg()
	ratio := loss.Div(limit).InexactFloat64()
	switch {
	case ratio >= 1.0:
		e.publishLimitAlert(ctx, period, RiskLevelCritical, loss, limit, ratio)
		return true
	case ratio >= 0.8:
		e.publishLimitAlert(ctx, period, RiskLevelHigh, loss, limit, ratio)
	}
	return false
}

func (e *Engine) publishLimitAlert(ctx context.Context, period string, severity RiskLevel, loss, limit decimal.Decimal, ratio float64) {
	alert := &RiskAlert{
		Category:    period + "_loss",
		Severity:    severity,
		Message:     fmt.Sprintf("%s loss %s at %.0f%% of limit %s", period, loss, ratio*100, limit),
		MetricValue: ratio,
		Threshold:   1.0,
		Timestamp:   time.Now(),
	}
	e.publishAlert(ctx, alert)
}

func (e *Engine) publishCheckAlert(ctx context.Context, order *types.OrderRequest, result *RiskCheckResult, kind string) {
	alert := &RiskAlert{
		Category:  "order_check_" + kind,
		Severity:  result.RiskLevel,
		Symbol:    order.Symbol,
		Message:   result.Reason,
		Timestamp: time.Now(),
	}
	e.publishAlert(ctx, alert)
}

func (e *Engine) publishAlert(ctx context.Context, alert *RiskAlert) {
	if e.store != nil {
		if raw, err := json.Marshal(alert); err == nil {
			if err := e.store.ListPush(ctx, alertsKey, string(raw), maxStoredAlerts); err != nil {
				e.logger.Errorf("failed to store alert: %v", err)
			}
		}
	}
	if e.bus != nil {
		if ev, err := types.NewEvent(types.EventRiskAlert, "risk-engine", alert, ""); err == nil {
			if err := e.bus.Publish(ev); err != nil {
				e.logger.Errorf("failed to publish alert: %v", err)
			}
		}
	}
}

// loadState restores today's counters, so a mid-day restart does not
// forget accumulated losses.
func (e *Engine) loadState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.counterDay = dayKey(now)
	e.counterMonth = monthKey(now)

	if raw, err := e.store.Get(ctx, dailyPnLKeyPrefix+dayKey(now)); err == nil && raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil {
			e.dailyPnL = v
		}
	}
	if raw, err := e.store.Get(ctx, monthlyPnLKeyPrefix+monthKey(now)); err == nil && raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil {
			e.monthlyPnL = v
		}
	}
	if raw, err := e.store.Get(ctx, consecLossesKey); err == nil && raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			e.consecutiveLosses = v
		}
	}
	if raw, err := e.store.Get(ctx, tradeCountKeyPrefix+dayKey(now)); err == nil && raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			e.tradeCountToday = v
		}
	}

	e.logger.WithFields(logrus.Fields{
		"daily_pnl":          e.dailyPnL,
		"monthly_pnl":        e.monthlyPnL,
		"consecutive_losses": e.consecutiveLosses,
		"trade_count":        e.tradeCountToday,
	}).Info("restored risk counters")
	return nil
}

func (e *Engine) persistCounter(ctx context.Context, key, value string) {
	if e.store == nil {
		return
	}
	if err := e.store.Set(ctx, key, value, counterTTL); err != nil {
		e.logger.Errorf("failed to persist %s: %v", key, err)
	}
}

// snapshot copies the mutable counters into an immutable StateView.
func (e *Engine) snapshot() StateView {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.now())

	times := make(map[string]time.Time, len(e.lastTradeTimes))
	for k, v := range e.lastTradeTimes {
		times[k] = v
	}
	return &stateSnapshot{
		dailyPnL:          e.dailyPnL,
		monthlyPnL:        e.monthlyPnL,
		consecutiveLosses: e.consecutiveLosses,
		tradeCountToday:   e.tradeCountToday,
		lastTradeTimes:    times,
	}
}

// stateView adapts the engine's live counters as a StateView for the
// emergency stop, which must always see current values.
func (e *Engine) stateView() StateView {
	return &engineStateView{engine: e}
}

type engineStateView struct {
	engine *Engine
}

func (v *engineStateView) DailyPnL() decimal.Decimal {
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	v.engine.rolloverLocked(v.engine.now())
	return v.engine.dailyPnL
}

func (v *engineStateView) MonthlyPnL() decimal.Decimal {
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	v.engine.rolloverLocked(v.engine.now())
	return v.engine.monthlyPnL
}

func (v *engineStateView) ConsecutiveLosses() int {
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	return v.engine.consecutiveLosses
}

func (v *engineStateView) TradeCountToday() int {
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	v.engine.rolloverLocked(v.engine.now())
	return v.engine.tradeCountToday
}

func (v *engineStateView) LastTradeTime(symbol string) (time.Time, bool) {
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	t, ok := v.engine.lastTradeTimes[symbol]
	return t, ok
}

func dayKey(t time.Time) string   { return t.Format("20060102") }
func monthKey(t time.Time) string { return t.Format("200601") }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
