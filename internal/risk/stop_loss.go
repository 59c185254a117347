package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/types"
)

// StopType identifies a protective-exit kind.
type StopType string

const (
	StopTypeFixedStopLoss   StopType = "FIXED_STOP_LOSS"
	StopTypeTrailingStop    StopType = "TRAILING_STOP"
	StopTypeFixedTakeProfit StopType = "FIXED_TAKE_PROFIT"
	StopTypeBreakevenStop   StopType = "BREAKEVEN_STOP"
)

// StopOrder is a pending protective order tracked per symbol.
type StopOrder struct {
	Symbol       string          `json:"symbol"`
	Type         StopType        `json:"type"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         types.OrderSide `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StopAction records the outcome of a triggered (or failed) stop.
type StopAction struct {
	Action    string          `json:"action"`
	StopType  StopType        `json:"stop_type"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	PnL       decimal.Decimal `json:"pnl"`
	Timestamp time.Time       `json:"timestamp"`
}

// symbolStopState holds the per-symbol stop machinery: configured stop
// orders by kind, the trailing extreme, and the breakeven arm flag.
type symbolStopState struct {
	stops          map[StopType]*StopOrder
	trailingHigh   decimal.Decimal // highest price seen (long)
	trailingLow    decimal.Decimal // lowest price seen (short)
	breakevenArmed bool
}

// StopManager evaluates protective exits on each price tick.
type StopManager struct {
	mu     sync.Mutex
	states map[string]*symbolStopState

	cfg      config.StopLossConfig
	provider Provider
	bus      *bus.Bus
	logger   *logrus.Entry
}

// NewStopManager creates a stop-loss/take-profit manager.
func NewStopManager(cfg config.StopLossConfig, provider Provider, eventBus *bus.Bus) *StopManager {
	return &StopManager{
		states:   make(map[string]*symbolStopState),
		cfg:      cfg,
		provider: provider,
		bus:      eventBus,
		logger:   logrus.WithField("component", "stop-manager"),
	}
}

// SetStopOrder registers or replaces a stop order for a symbol. The
// latest order per kind is authoritative.
func (m *StopManager) SetStopOrder(order *StopOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.ensureState(order.Symbol)
	order.UpdatedAt = time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}
	state.stops[order.Type] = order
}

// CancelStops removes all stop state for a symbol.
func (m *StopManager) CancelStops(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, symbol)
}

// GetStopOrder returns the active stop of a kind for a symbol.
func (m *StopManager) GetStopOrder(symbol string, stopType StopType) (*StopOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[symbol]
	if !exists {
		return nil, false
	}
	stop, exists := state.stops[stopType]
	return stop, exists
}

// TrailingTrigger returns the current trailing trigger price for a symbol.
func (m *StopManager) TrailingTrigger(symbol string) (decimal.Decimal, bool) {
	stop, ok := m.GetStopOrder(symbol, StopTypeTrailingStop)
	if !ok {
		return decimal.Zero, false
	}
	return stop.TriggerPrice, true
}

// CheckPositions evaluates all configured stop kinds for a symbol on a
// price tick. Checks run in fixed order; the first trigger wins, clears
// all stop state for the symbol and emits an exit order. Returns nil
// when nothing triggered.
func (m *StopManager) CheckPositions(ctx context.Context, symbol string, currentPrice decimal.Decimal) *StopAction {
	pos, exists := m.provider.GetPosition(symbol)
	if !exists || pos.Quantity.Sign() <= 0 {
		return nil
	}

	m.mu.Lock()
	state := m.ensureState(symbol)

	long := pos.IsLong()
	entry := pos.AvgEntryPrice

	// 1. Fixed stop-loss
	if m.cfg.StopLossPct > 0 {
		trigger := stopPrice(entry, m.cfg.StopLossPct, long)
		if crossedStop(currentPrice, trigger, long) {
			m.mu.Unlock()
			return m.trigger(ctx, StopTypeFixedStopLoss, pos, currentPrice)
		}
	}

	// 2. Fixed take-profit
	if m.cfg.EnableTakeProfit && m.cfg.TakeProfitPct > 0 {
		trigger := takeProfitPrice(entry, m.cfg.TakeProfitPct, long)
		if crossedTakeProfit(currentPrice, trigger, long) {
			m.mu.Unlock()
			return m.trigger(ctx, StopTypeFixedTakeProfit, pos, currentPrice)
		}
	}

	// 3. Trailing stop: track the extreme, ratchet the trigger only in
	// the risk-reducing direction, then compare.
	if m.cfg.EnableTrailing && m.cfg.TrailingStopPct > 0 {
		trigger := m.updateTrailing(state, pos, currentPrice, long)
		if crossedStop(currentPrice, trigger, long) {
			m.mu.Unlock()
			return m.trigger(ctx, StopTypeTrailingStop, pos, currentPrice)
		}
	}

	// 4. Breakeven stop: arm once unrealized gain reaches the trigger
	// percentage, then exit if price falls back to entry plus a tick.
	if m.cfg.EnableBreakeven && m.cfg.BreakevenTriggerPct > 0 {
		armLevel := takeProfitPrice(entry, m.cfg.BreakevenTriggerPct, long)
		if !state.breakevenArmed && crossedTakeProfit(currentPrice, armLevel, long) {
			state.breakevenArmed = true
			level := entry.Mul(decimal.NewFromFloat(1.001))
			if !long {
				level = entry.Mul(decimal.NewFromFloat(0.999))
			}
			state.stops[StopTypeBreakevenStop] = &StopOrder{
				Symbol:       symbol,
				Type:         StopTypeBreakevenStop,
				TriggerPrice: level,
				Quantity:     pos.Quantity,
				Side:         exitSide(long),
				EntryPrice:   entry,
				CreatedAt:    time.Now(),
				UpdatedAt:    time.Now(),
			}
			m.logger.Infof("breakeven stop armed for %s at %s", symbol, level)
		}
		if stop, armed := state.stops[StopTypeBreakevenStop]; armed {
			if crossedStop(currentPrice, stop.TriggerPrice, long) {
				m.mu.Unlock()
				return m.trigger(ctx, StopTypeBreakevenStop, pos, currentPrice)
			}
		}
	}

	m.mu.Unlock()
	return nil
}

// updateTrailing maintains the running extreme and the ratcheted
// trigger. Must be called with the lock held.
func (m *StopManager) updateTrailing(state *symbolStopState, pos *types.Position, price decimal.Decimal, long bool) decimal.Decimal {
	pct := decimal.NewFromFloat(m.cfg.TrailingStopPct / 100)

	stop, exists := state.stops[StopTypeTrailingStop]
	if !exists {
		if long {
			state.trailingHigh = price
		} else {
			state.trailingLow = price
		}
		var trigger decimal.Decimal
		if long {
			trigger = price.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			trigger = price.Mul(decimal.NewFromInt(1).Add(pct))
		}
		stop = &StopOrder{
			Symbol:       pos.Symbol,
			Type:         StopTypeTrailingStop,
			TriggerPrice: trigger,
			Quantity:     pos.Quantity,
			Side:         exitSide(long),
			EntryPrice:   pos.AvgEntryPrice,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		state.stops[StopTypeTrailingStop] = stop
		return stop.TriggerPrice
	}

	if long {
		if price.GreaterThan(state.trailingHigh) {
			state.trailingHigh = price
			candidate := state.trailingHigh.Mul(decimal.NewFromInt(1).Sub(pct))
			// Tighten only, never loosen.
			if candidate.GreaterThan(stop.TriggerPrice) {
				stop.TriggerPrice = candidate
				stop.UpdatedAt = time.Now()
			}
		}
	} else {
		if state.trailingLow.IsZero() || price.LessThan(state.trailingLow) {
			state.trailingLow = price
			candidate := state.trailingLow.Mul(decimal.NewFromInt(1).Add(pct))
			if candidate.LessThan(stop.TriggerPrice) {
				stop.TriggerPrice = candidate
				stop.UpdatedAt = time.Now()
			}
		}
	}
	return stop.TriggerPrice
}

// trigger emits the exit order, clears stop state for the symbol and
// returns the action record. Exit-order failures produce a *_failed
// record instead of an error.
func (m *StopManager) trigger(ctx context.Context, stopType StopType, pos *types.Position, price decimal.Decimal) *StopAction {
	m.CancelStops(pos.Symbol)

	diff := price.Sub(pos.AvgEntryPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	pnl := diff.Mul(pos.Quantity)

	action := &StopAction{
		Action:    actionName(stopType),
		StopType:  stopType,
		Symbol:    pos.Symbol,
		Quantity:  pos.Quantity,
		Price:     price,
		PnL:       pnl,
		Timestamp: time.Now(),
	}

	if err := m.publishExit(pos, price, action); err != nil {
		m.logger.Errorf("exit order for %s failed: %v", pos.Symbol, err)
		action.Action = actionName(stopType) + "_failed"
		return action
	}

	m.logger.Warnf("%s triggered for %s qty=%s price=%s pnl=%s",
		stopType, pos.Symbol, pos.Quantity, price, pnl)
	return action
}

func (m *StopManager) publishExit(pos *types.Position, price decimal.Decimal, action *StopAction) error {
	if m.bus == nil {
		return nil
	}

	exit := &types.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exitSide(pos.IsLong()),
		Quantity: pos.Quantity,
		Price:    price,
		Type:     types.OrderTypeMarket,
		Metadata: map[string]interface{}{"stop_type": string(action.StopType)},
	}
	event, err := types.NewEvent(types.EventOrderExit, "risk-engine", exit, "")
	if err != nil {
		return err
	}
	if err := m.bus.Publish(event); err != nil {
		return err
	}

	eventType := types.EventStopLossTriggered
	if action.StopType == StopTypeFixedTakeProfit {
		eventType = types.EventTakeProfitTriggered
	}
	notice, err := types.NewEvent(eventType, "risk-engine", action, event.ID)
	if err != nil {
		return err
	}
	return m.bus.Publish(notice)
}

func (m *StopManager) ensureState(symbol string) *symbolStopState {
	state, exists := m.states[symbol]
	if !exists {
		state = &symbolStopState{stops: make(map[StopType]*StopOrder)}
		m.states[symbol] = state
	}
	return state
}

func stopPrice(entry decimal.Decimal, pct float64, long bool) decimal.Decimal {
	if long {
		return entry.Mul(decimal.NewFromFloat(1 - pct/100))
	}
	return entry.Mul(decimal.NewFromFloat(1 + pct/100))
}

func takeProfitPrice(entry decimal.Decimal, pct float64, long bool) decimal.Decimal {
	if long {
		return entry.Mul(decimal.NewFromFloat(1 + pct/100))
	}
	return entry.Mul(decimal.NewFromFloat(1 - pct/100))
}

func crossedStop(price, trigger decimal.Decimal, long bool) bool {
	if long {
		return price.LessThanOrEqual(trigger)
	}
	return price.GreaterThanOrEqual(trigger)
}

func crossedTakeProfit(price, trigger decimal.Decimal, long bool) bool {
	if long {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}

func exitSide(long bool) types.OrderSide {
	if long {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

func actionName(stopType StopType) string {
	switch stopType {
	case StopTypeFixedTakeProfit:
		return "take_profit_exit"
	case StopTypeTrailingStop:
		return "trailing_stop_exit"
	case StopTypeBreakevenStop:
		return "breakeven_exit"
	default:
		return "stop_loss_exit"
	}
}
