// Package pubsub publishes committed alerts and the global threat score
// to NATS, and lets the broadcaster subscribe to the realtime channel.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/meedvfx/Network-Defense-System/internal/config"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

const (
	alertsSubject      = "nds:alerts:realtime"
	threatScoreSubject = "nds:threat_score"
)

// Publisher publishes alerts and threat-score updates. It satisfies
// decision.Publisher.
type Publisher struct {
	nc  *nats.Conn
	log *logging.Logger
}

// NewPublisher connects to NATS.
func NewPublisher(cfg config.PubSubConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}
	return &Publisher{nc: nc, log: logging.PubSubLogger()}, nil
}

// PublishAlert serialises the alert as JSON and publishes it to the
// realtime alerts subject.
func (p *Publisher) PublishAlert(ctx context.Context, alert models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("pubsub: marshal alert: %w", err)
	}
	if err := p.nc.Publish(alertsSubject, payload); err != nil {
		return fmt.Errorf("pubsub: publish alert: %w", err)
	}
	return nil
}

// UpdateThreatScore publishes the smoothed global threat score.
func (p *Publisher) UpdateThreatScore(ctx context.Context, score float64) error {
	payload := strconv.FormatFloat(score, 'f', 6, 64)
	if err := p.nc.Publish(threatScoreSubject, []byte(payload)); err != nil {
		return fmt.Errorf("pubsub: publish threat score: %w", err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}

// Subscriber wraps a NATS subscription to the realtime alerts subject for
// the AlertBroadcaster.
type Subscriber struct {
	nc  *nats.Conn
	log *logging.Logger
}

// NewSubscriber connects to NATS for the broadcaster's read side.
func NewSubscriber(cfg config.PubSubConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}
	return &Subscriber{nc: nc, log: logging.PubSubLogger()}, nil
}

// Subscribe registers handler against the realtime alerts subject and
// returns an unsubscribe function.
func (s *Subscriber) Subscribe(handler func(payload []byte)) (func() error, error) {
	sub, err := s.nc.Subscribe(alertsSubject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Close closes the underlying connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Drain()
	}
}
