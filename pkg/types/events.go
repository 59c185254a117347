package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a bus event.
type EventType string

const (
	EventMarketTick          EventType = "market.tick"
	EventOrderExecuted       EventType = "orders.executed"
	EventOrderExit           EventType = "orders.exit"
	EventCancelAllOrders     EventType = "orders.cancel_all"
	EventRiskAlert           EventType = "risk.alert"
	EventEmergencyStop       EventType = "risk.emergency"
	EventStopLossTriggered   EventType = "risk.stop_loss_triggered"
	EventTakeProfitTriggered EventType = "risk.take_profit_triggered"
	EventPortfolioRiskAlert  EventType = "risk.portfolio_alert"
	EventRiskMetrics         EventType = "risk.metrics"
)

// Event is the envelope carried on the message bus.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates an event envelope with a marshalled payload.
func NewEvent(eventType EventType, source string, data interface{}, correlationID string) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          payload,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", e.Type, err)
	}
	return nil
}
