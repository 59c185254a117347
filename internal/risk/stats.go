package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

const statsKeyPrefix = "albatross:stats:"

// StatsProvider supplies per-symbol historical performance figures to
// the sizing strategies.
type StatsProvider interface {
	GetStats(ctx context.Context, symbol string) (*types.SymbolStats, error)
}

// RedisStatsProvider reads symbol statistics from store hashes written
// by the analytics pipeline.
type RedisStatsProvider struct {
	store  *store.Store
	logger *logrus.Entry
}

// NewRedisStatsProvider creates a store-backed stats provider.
func NewRedisStatsProvider(st *store.Store) *RedisStatsProvider {
	return &RedisStatsProvider{
		store:  st,
		logger: logrus.WithField("component", "stats-provider"),
	}
}

// GetStats returns the recorded statistics for a symbol. Missing or
// empty records return zero-valued stats, not an error, so callers can
// fall back to a simpler sizing strategy.
func (p *RedisStatsProvider) GetStats(ctx context.Context, symbol string) (*types.SymbolStats, error) {
	fields, err := p.store.GetHash(ctx, statsKeyPrefix+symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", symbol, err)
	}

	stats := &types.SymbolStats{Symbol: symbol}
	if len(fields) == 0 {
		return stats, nil
	}

	stats.WinRate = parseStatField(fields, "win_rate")
	stats.PayoffRatio = parseStatField(fields, "payoff_ratio")
	stats.Volatility = parseStatField(fields, "volatility")
	stats.ATR = parseStatField(fields, "atr")
	if raw, ok := fields["sample_size"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			stats.SampleSize = n
		}
	}
	return stats, nil
}

// PutStats writes symbol statistics, used by tests and by the market
// data ingestor's rolling calculations.
func (p *RedisStatsProvider) PutStats(ctx context.Context, stats *types.SymbolStats) error {
	fields := map[string]interface{}{
		"win_rate":     strconv.FormatFloat(stats.WinRate, 'f', -1, 64),
		"payoff_ratio": strconv.FormatFloat(stats.PayoffRatio, 'f', -1, 64),
		"volatility":   strconv.FormatFloat(stats.Volatility, 'f', -1, 64),
		"atr":          strconv.FormatFloat(stats.ATR, 'f', -1, 64),
		"sample_size":  strconv.Itoa(stats.SampleSize),
	}
	return p.store.SetHash(ctx, statsKeyPrefix+stats.Symbol, fields, 7*24*time.Hour)
}

func parseStatField(fields map[string]string, name string) float64 {
	raw, ok := fields[name]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
