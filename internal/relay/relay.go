// Package relay forwards messages received from an MQTT broker to local
// event buses and keeps a short in-memory history of them.
package relay

import (
	"time"

	"github.com/agsys/sensor-monitor/internal/buffer"
	"github.com/agsys/sensor-monitor/internal/logger"
)

// Message is one relayed broker message
type Message struct {
	Topic   string    `json:"topic"`
	Payload string    `json:"payload"`
	Time    time.Time `json:"time"`
}

// Bus receives relayed messages
type Bus interface {
	Publish(msg Message) error
	Close() error
}

// Config holds relay settings
type Config struct {
	Capacity  int           // Messages kept in history
	Retention time.Duration // Age after which history entries are evicted
}

// DefaultConfig returns default relay settings
func DefaultConfig() Config {
	return Config{
		Capacity:  500,
		Retention: time.Hour,
	}
}

// Relay fans messages out to every bus
type Relay struct {
	config  Config
	buses   []Bus
	history *buffer.Table[Message]
	now     func() time.Time
	log     logger.Logger
}

// New creates a Relay
func New(config Config, log logger.Logger, buses ...Bus) *Relay {
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &Relay{
		config:  config,
		buses:   buses,
		history: buffer.New[Message](config.Capacity),
		now:     time.Now,
		log:     log.WithComponent("relay"),
	}
}

// Handle records msg and publishes it to every bus. A failing bus does not
// stop delivery to the others.
func (r *Relay) Handle(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = r.now()
	}
	r.history.Add(msg.Time, msg)

	for _, bus := range r.buses {
		if err := bus.Publish(msg); err != nil {
			r.log.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to publish relayed message")
		}
	}
	r.log.Debug().Str("topic", msg.Topic).Int("bytes", len(msg.Payload)).Msg("Relayed message")
}

// History returns the buffered messages, oldest first
func (r *Relay) History() []Message {
	entries := r.history.Recent(0)
	msgs := make([]Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Value
	}
	return msgs
}

// Evict drops history older than the retention period
func (r *Relay) Evict() int {
	n := r.history.Evict(r.now().Add(-r.config.Retention))
	if n > 0 {
		r.log.Debug().Int("evicted", n).Msg("Evicted relay history")
	}
	return n
}

// Close closes every bus
func (r *Relay) Close() error {
	var first error
	for _, bus := range r.buses {
		if err := bus.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
