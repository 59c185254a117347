package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_FeedsWorstRiskScoreToBreaker(t *testing.T) {
	provider := newFakeProvider(1000000, 900000)
	es := newTestEmergency(newFakeState(), provider)
	analyzer := NewPortfolioRiskManager(testPortfolioConfig(), provider, &fakeStats{}, nil, nil)

	snapshot := func() *RiskMetrics {
		return &RiskMetrics{RiskScore: 0.4, Timestamp: time.Now()}
	}

	m := NewMonitor(time.Second, snapshot, analyzer, es, nil, nil)
	m.runOnce(context.Background())

	// An empty book scores zero; the engine's own score must not be
	// clobbered by it.
	es.mu.RLock()
	score := es.riskScore
	es.mu.RUnlock()
	assert.InDelta(t, 0.4, score, 1e-9)
	assert.False(t, es.IsActive())
}

func TestMonitor_StopHaltsLoop(t *testing.T) {
	m := NewMonitor(time.Millisecond, func() *RiskMetrics {
		return &RiskMetrics{Timestamp: time.Now()}
	}, nil, nil, nil, nil)

	m.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	assert.NotPanics(t, m.Stop)
}
