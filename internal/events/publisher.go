// Package events publishes operational events (deploys, failures,
// pressure warnings) to NATS when a broker is configured. With no broker
// the publisher is inert and every call is a no-op.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/config"
)

// Event is the wire shape published to the broker.
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Host    string    `json:"host,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher sends events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	host    string
}

// Connect dials the configured broker. An empty URL yields an inert
// publisher; a failed dial is reported but also degrades to inert rather
// than blocking orchestration.
func Connect(cfg config.EventsConfig, host string) *Publisher {
	p := &Publisher{subject: cfg.Subject, host: host}
	if cfg.NATSURL == "" {
		return p
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("stackpilot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Warn().Str("url", cfg.NATSURL).Err(err).Msg("event broker unreachable; events disabled")
		return p
	}
	p.nc = nc
	return p
}

// Publish emits one event. Failures are logged, never propagated: event
// delivery is best-effort by contract.
func (p *Publisher) Publish(kind, msg string) {
	if p == nil || p.nc == nil {
		return
	}
	b, err := json.Marshal(Event{Kind: kind, Message: msg, Host: p.host, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		log.Debug().Err(err).Str("kind", kind).Msg("event publish failed")
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
	}
}
