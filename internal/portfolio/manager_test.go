package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/albatross-trade/albatross/pkg/types"
)

func fill(symbol string, side types.OrderSide, qty, price float64) *types.ExecutedTrade {
	return &types.ExecutedTrade{
		OrderID:    "ord-1",
		Symbol:     symbol,
		Side:       side,
		Quantity:   decimal.NewFromFloat(qty),
		Price:      decimal.NewFromFloat(price),
		ExecutedAt: time.Now(),
	}
}

func TestManager_BuyOpensPosition(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 2, 50000))

	pos, ok := m.GetPosition("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, m.GetCashBalance().Equal(decimal.NewFromInt(900000)))
}

func TestManager_BuyMergesAveragePrice(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 1, 40000))
	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 1, 50000))

	pos, _ := m.GetPosition("BTCUSDT")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(45000)))
}

func TestManager_SellReducesAndCloses(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 2, 50000))
	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideSell, 1, 52000))

	pos, ok := m.GetPosition("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideSell, 1, 52000))
	_, ok = m.GetPosition("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, 0, m.GetPositionCount())

	// 1000000 - 100000 + 52000 + 52000
	assert.True(t, m.GetCashBalance().Equal(decimal.NewFromInt(1004000)))
}

func TestManager_MarkPriceUpdatesUnrealizedPnL(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 2, 50000))
	m.MarkPrice("BTCUSDT", decimal.NewFromInt(51000))

	pos, _ := m.GetPosition("BTCUSDT")
	assert.True(t, pos.MarkPrice.Equal(decimal.NewFromInt(51000)))
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(2000)))
}

func TestManager_ProviderAggregates(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 2, 50000))
	m.ApplyFill(ctx, fill("ETHUSDT", types.OrderSideBuy, 10, 3500))

	assert.Equal(t, 2, m.GetPositionCount())
	assert.True(t, m.GetTotalExposure().Equal(decimal.NewFromInt(135000)))
	assert.True(t, m.GetMaxPositionValue().Equal(decimal.NewFromInt(100000)))
	assert.True(t, m.GetPositionValue("ETHUSDT").Equal(decimal.NewFromInt(35000)))
	// Cash spent equals exposure gained: portfolio value is unchanged.
	assert.True(t, m.GetPortfolioValue().Equal(decimal.NewFromInt(1000000)))
}

func TestManager_ConcurrentFillsAndMarks(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(10000000))
	ctx := context.Background()

	// Fills arrive on the execution subscription while mark prices
	// arrive on the market-data subscription.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 1, 50000))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.MarkPrice("BTCUSDT", decimal.NewFromInt(51000))
		}
	}()
	wg.Wait()

	pos, ok := m.GetPosition("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestManager_PositionCopiesAreIsolated(t *testing.T) {
	m := NewManager(nil, decimal.NewFromInt(1000000))
	ctx := context.Background()

	m.ApplyFill(ctx, fill("BTCUSDT", types.OrderSideBuy, 1, 50000))

	pos, _ := m.GetPosition("BTCUSDT")
	pos.Quantity = decimal.NewFromInt(999)

	fresh, _ := m.GetPosition("BTCUSDT")
	assert.True(t, fresh.Quantity.Equal(decimal.NewFromInt(1)))
}
