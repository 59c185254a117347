package bus

import (
	"fmt"
	"strings"

	"github.com/albatross-trade/albatross/pkg/types"
)

// Subject naming convention:
// {domain}.{event}[.{symbol}]
// Examples:
// - market.tick.BTCUSDT
// - risk.alert
// - risk.emergency
// - orders.cancel_all

// Request/reply subjects
const (
	SubjectRiskCheck = "risk.check"
)

// SubjectFor returns the publish subject for an event, appending the
// symbol for per-symbol streams.
func SubjectFor(e *types.Event, symbol string) string {
	if symbol != "" {
		return fmt.Sprintf("%s.%s", e.Type, symbol)
	}
	return string(e.Type)
}

// SubscriptionSubject returns the subscribe pattern for an event type.
// Per-symbol streams are subscribed with a trailing wildcard.
func SubscriptionSubject(eventType types.EventType) string {
	switch eventType {
	case types.EventMarketTick:
		return string(eventType) + ".*"
	default:
		return string(eventType)
	}
}

// SymbolFromSubject extracts the symbol suffix from a per-symbol subject,
// e.g. "market.tick.BTCUSDT" -> "BTCUSDT".
func SymbolFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}
