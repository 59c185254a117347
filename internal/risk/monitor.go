package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/store"
	"github.com/albatross-trade/albatross/pkg/types"
)

const metricsSnapshotKey = "albatross:risk:metrics:engine"

// Monitor runs the periodic risk loop: snapshot engine metrics, run
// the portfolio analyzer, feed health signals to the emergency stop
// and re-evaluate its trigger conditions.
type Monitor struct {
	interval  time.Duration
	snapshot  func() *RiskMetrics
	analyzer  *PortfolioRiskManager
	emergency *EmergencyStop
	store     *store.Store
	bus       *bus.Bus
	logger    *logrus.Entry

	stopCh chan struct{}
}

// NewMonitor creates the periodic monitor.
func NewMonitor(interval time.Duration, snapshot func() *RiskMetrics, analyzer *PortfolioRiskManager,
	emergency *EmergencyStop, st *store.Store, eventBus *bus.Bus) *Monitor {

	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		interval:  interval,
		snapshot:  snapshot,
		analyzer:  analyzer,
		emergency: emergency,
		store:     st,
		bus:       eventBus,
		logger:    logrus.WithField("component", "risk-monitor"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the monitoring loop. It returns immediately; the loop
// runs until Stop is called or the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
	m.logger.Infof("risk monitor started (interval %s)", m.interval)
}

// Stop halts the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	metrics := m.snapshot()
	m.updateHealth(ctx)

	// The breaker sees the worse of the engine's composite score and
	// the portfolio analyzer's overall score.
	riskScore := metrics.RiskScore
	if m.analyzer != nil {
		portfolioMetrics, alerts := m.analyzer.Run(ctx)
		if portfolioMetrics.OverallRiskScore > riskScore {
			riskScore = portfolioMetrics.OverallRiskScore
		}
		if len(alerts) > 0 {
			m.logger.Warnf("portfolio analysis produced %d alerts", len(alerts))
		}
	}

	if m.emergency != nil {
		m.emergency.SetRiskScore(riskScore)
		m.emergency.CheckConditions(ctx)
	}

	m.persist(ctx, metrics)
	m.publish(metrics)
}

// updateHealth derives a coarse health score from store reachability.
func (m *Monitor) updateHealth(ctx context.Context) {
	if m.store == nil || m.emergency == nil {
		return
	}
	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warnf("store health check failed: %v", err)
		m.emergency.SetHealthScore(0.2)
		return
	}
	m.emergency.SetHealthScore(1.0)
}

func (m *Monitor) persist(ctx context.Context, metrics *RiskMetrics) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, metricsSnapshotKey, string(raw), 0); err != nil {
		m.logger.Errorf("failed to persist metrics snapshot: %v", err)
	}
}

func (m *Monitor) publish(metrics *RiskMetrics) {
	if m.bus == nil {
		return
	}
	ev, err := types.NewEvent(types.EventRiskMetrics, "risk-engine", metrics, "")
	if err != nil {
		return
	}
	if err := m.bus.Publish(ev); err != nil {
		m.logger.Errorf("failed to publish metrics: %v", err)
	}
}
