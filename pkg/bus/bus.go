package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/pkg/types"
)

// Config holds message bus configuration.
type Config struct {
	URL      string
	ClientID string
}

// Handler processes a decoded event.
type Handler func(event *types.Event)

// RequestHandler serves a request/reply subject.
type RequestHandler func(data []byte) ([]byte, error)

// Bus wraps a NATS connection with typed event publishing.
type Bus struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// Connect establishes the NATS connection.
func Connect(config Config) (*Bus, error) {
	logger := logrus.WithField("component", "bus")

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Bus{conn: conn, logger: logger}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Publish publishes an event on its type subject.
func (b *Bus) Publish(event *types.Event) error {
	return b.publish(SubjectFor(event, ""), event)
}

// PublishForSymbol publishes an event on a per-symbol subject.
func (b *Bus) PublishForSymbol(event *types.Event, symbol string) error {
	return b.publish(SubjectFor(event, symbol), event)
}

func (b *Bus) publish(subject string, event *types.Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subject, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debugf("published %s to %s", event.Type, subject)
	return nil
}

// Subscribe subscribes to all events of a type. Handler errors from
// malformed payloads are logged, not propagated.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) (*Subscription, error) {
	subject := SubscriptionSubject(eventType)

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event types.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Errorf("dropping malformed event on %s: %v", msg.Subject, err)
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Infof("subscribed to %s", subject)
	return &Subscription{sub: sub, logger: b.logger}, nil
}

// Serve registers a request/reply handler on a subject. Handler errors
// are returned to the caller as a JSON error object.
func (b *Bus) Serve(subject string, handler RequestHandler) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := handler(msg.Data)
		if err != nil {
			b.logger.Errorf("request handler error on %s: %v", subject, err)
			reply, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		if err := msg.Respond(reply); err != nil {
			b.logger.Errorf("failed to respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serve %s: %w", subject, err)
	}

	b.logger.Infof("serving requests on %s", subject)
	return &Subscription{sub: sub, logger: b.logger}, nil
}

// Request sends a request and waits for the reply.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscription wraps a NATS subscription.
type Subscription struct {
	sub    *nats.Subscription
	logger *logrus.Entry
}

// Unsubscribe removes the subscription.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}
