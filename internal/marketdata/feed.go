package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/types"
)

const klineInterval = "1m"

// Feed streams exchange klines and republishes them as market ticks on
// the bus, where the risk engine picks them up.
type Feed struct {
	cfg    config.FeedConfig
	bus    *bus.Bus
	logger *logrus.Entry

	mu    sync.Mutex
	stops map[string]chan struct{}
	done  map[string]chan struct{}
}

// NewFeed creates the market data ingestor.
func NewFeed(cfg config.FeedConfig, eventBus *bus.Bus) *Feed {
	return &Feed{
		cfg:    cfg,
		bus:    eventBus,
		logger: logrus.WithField("component", "marketdata"),
		stops:  make(map[string]chan struct{}),
		done:   make(map[string]chan struct{}),
	}
}

// Start opens one kline stream per configured symbol.
func (f *Feed) Start() error {
	for _, symbol := range f.cfg.Symbols {
		if err := f.subscribe(symbol); err != nil {
			f.Stop()
			return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
		}
	}
	f.logger.Infof("streaming %d symbols", len(f.cfg.Symbols))
	return nil
}

// Stop closes all open streams.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for symbol, stopC := range f.stops {
		close(stopC)
		delete(f.stops, symbol)
	}
}

func (f *Feed) subscribe(symbol string) error {
	wsHandler := func(event *binance.WsKlineEvent) {
		f.publishTick(symbol, &event.Kline)
	}
	errHandler := func(err error) {
		f.logger.Errorf("stream error for %s: %v", symbol, err)
	}

	doneC, stopC, err := binance.WsKlineServe(symbol, klineInterval, wsHandler, errHandler)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.stops[symbol] = stopC
	f.done[symbol] = doneC
	f.mu.Unlock()

	go func() {
		<-doneC
		f.mu.Lock()
		delete(f.stops, symbol)
		delete(f.done, symbol)
		f.mu.Unlock()
		f.logger.Warnf("stream for %s closed", symbol)
	}()

	return nil
}

func (f *Feed) publishTick(symbol string, kline *binance.WsKline) {
	tick := &types.MarketTick{
		Symbol:    symbol,
		Open:      parseDecimal(kline.Open),
		High:      parseDecimal(kline.High),
		Low:       parseDecimal(kline.Low),
		Close:     parseDecimal(kline.Close),
		Volume:    parseDecimal(kline.Volume),
		Timestamp: time.UnixMilli(kline.EndTime),
	}
	if tick.Close.Sign() <= 0 {
		return
	}

	ev, err := types.NewEvent(types.EventMarketTick, "marketdata", tick, "")
	if err != nil {
		f.logger.Errorf("failed to build tick event: %v", err)
		return
	}
	if err := f.bus.PublishForSymbol(ev, symbol); err != nil {
		f.logger.Errorf("failed to publish tick for %s: %v", symbol, err)
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
