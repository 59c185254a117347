package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

const positionKeyPrefix = "albatross:position:"

// Manager tracks open positions and cash, and serves as the portfolio
// data provider for the risk engine.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	cash      decimal.Decimal

	store  *store.Store
	logger *logrus.Entry
}

// NewManager creates a position manager with an initial cash balance.
func NewManager(st *store.Store, initialCash decimal.Decimal) *Manager {
	return &Manager{
		positions: make(map[string]*types.Position),
		cash:      initialCash,
		store:     st,
		logger:    logrus.WithField("component", "portfolio"),
	}
}

// Load restores persisted positions from the store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	keys, err := m.store.KeysByPattern(ctx, positionKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var pos types.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			m.logger.Warnf("skipping corrupt position record %s: %v", key, err)
			continue
		}
		m.positions[pos.Symbol] = &pos
	}

	m.logger.Infof("loaded %d positions", len(m.positions))
	return nil
}

// ApplyFill updates position and cash state for an executed trade.
func (m *Manager) ApplyFill(ctx context.Context, trade *types.ExecutedTrade) {
	m.mu.Lock()

	pos, exists := m.positions[trade.Symbol]
	value := trade.Quantity.Mul(trade.Price)

	switch trade.Side {
	case types.OrderSideBuy:
		m.cash = m.cash.Sub(value)
		if !exists {
			pos = &types.Position{
				Symbol:        trade.Symbol,
				Side:          types.PositionSideLong,
				Quantity:      trade.Quantity,
				AvgEntryPrice: trade.Price,
				MarkPrice:     trade.Price,
				OpenedAt:      trade.ExecutedAt,
				UpdatedAt:     trade.ExecutedAt,
			}
			m.positions[trade.Symbol] = pos
		} else {
			total := pos.Quantity.Add(trade.Quantity)
			pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Quantity).
				Add(value).Div(total)
			pos.Quantity = total
			pos.MarkPrice = trade.Price
			pos.UpdatedAt = trade.ExecutedAt
		}
	case types.OrderSideSell:
		m.cash = m.cash.Add(value)
		if exists {
			pos.Quantity = pos.Quantity.Sub(trade.Quantity)
			pos.MarkPrice = trade.Price
			pos.UpdatedAt = trade.ExecutedAt
			if pos.Quantity.Sign() <= 0 {
				delete(m.positions, trade.Symbol)
				pos = nil
			}
		}
	}

	// Persist a value copy: the live entry keeps being mutated by
	// MarkPrice on the market-data goroutine.
	var persisted *types.Position
	if pos != nil {
		copied := *pos
		persisted = &copied
	}
	m.mu.Unlock()

	m.persist(ctx, trade.Symbol, persisted)
}

// MarkPrice updates the mark price for an open position.
func (m *Manager) MarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.positions[symbol]
	if !exists {
		return
	}
	pos.MarkPrice = price
	diff := price.Sub(pos.AvgEntryPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(pos.Quantity)
	pos.UpdatedAt = time.Now()
}

// GetPosition returns a copy of the position for a symbol.
func (m *Manager) GetPosition(symbol string) (*types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, exists := m.positions[symbol]
	if !exists {
		return nil, false
	}
	copied := *pos
	return &copied, true
}

// Positions returns copies of all open positions.
func (m *Manager) Positions() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		copied := *pos
		result = append(result, &copied)
	}
	return result
}

// SetCashBalance overrides the tracked cash balance.
func (m *Manager) SetCashBalance(cash decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = cash
}

// Provider interface implementation

// GetPortfolioValue returns cash plus the market value of all positions.
func (m *Manager) GetPortfolioValue() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.cash
	for _, pos := range m.positions {
		total = total.Add(pos.Value())
	}
	return total
}

// GetCashBalance returns the available cash.
func (m *Manager) GetCashBalance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cash
}

// GetTotalExposure returns the summed market value of all positions.
func (m *Manager) GetTotalExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range m.positions {
		total = total.Add(pos.Value())
	}
	return total
}

// GetPositionCount returns the number of open positions.
func (m *Manager) GetPositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// GetMaxPositionValue returns the largest single position value.
func (m *Manager) GetMaxPositionValue() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := decimal.Zero
	for _, pos := range m.positions {
		if v := pos.Value(); v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// GetPositionValue returns the market value held in one symbol.
func (m *Manager) GetPositionValue(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos, exists := m.positions[symbol]; exists {
		return pos.Value()
	}
	return decimal.Zero
}

// GetSectorExposure returns the summed value of positions in a sector.
func (m *Manager) GetSectorExposure(sector string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range m.positions {
		if pos.Sector == sector {
			total = total.Add(pos.Value())
		}
	}
	return total
}

func (m *Manager) persist(ctx context.Context, symbol string, pos *types.Position) {
	if m.store == nil {
		return
	}

	key := positionKeyPrefix + symbol
	if pos == nil {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Errorf("failed to delete position %s: %v", symbol, err)
		}
		return
	}

	raw, err := json.Marshal(pos)
	if err != nil {
		m.logger.Errorf("failed to marshal position %s: %v", symbol, err)
		return
	}
	if err := m.store.Set(ctx, key, string(raw), 0); err != nil {
		m.logger.Errorf("failed to persist position %s: %v", symbol, err)
	}
}
