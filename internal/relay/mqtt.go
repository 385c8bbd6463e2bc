package relay

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/agsys/sensor-monitor/internal/logger"
)

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topics   []string
	QoS      byte
}

// Subscriber receives broker messages and hands them to a handler
type Subscriber struct {
	config  MQTTConfig
	client  paho.Client
	handler func(Message)
	log     logger.Logger
}

// NewSubscriber creates a Subscriber. Topics default to every topic.
func NewSubscriber(config MQTTConfig, handler func(Message), log logger.Logger) *Subscriber {
	if len(config.Topics) == 0 {
		config.Topics = []string{"#"}
	}
	if config.ClientID == "" {
		config.ClientID = "sensor-monitor-relay"
	}
	return &Subscriber{config: config, handler: handler, log: log.WithComponent("mqtt")}
}

// Connect connects to the broker. Topics are subscribed on every
// (re)connect.
func (s *Subscriber) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(s.config.Broker).
		SetClientID(s.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.log.Error().Err(err).Msg("Unexpected disconnection from MQTT broker")
		})
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

func (s *Subscriber) onConnect(client paho.Client) {
	s.log.Info().Str("broker", s.config.Broker).Msg("Connected to MQTT broker")
	for _, topic := range s.config.Topics {
		token := client.Subscribe(topic, s.config.QoS, s.onMessage)
		if !token.WaitTimeout(5 * time.Second) {
			s.log.Error().Str("topic", topic).Msg("Subscribe timeout")
			continue
		}
		if err := token.Error(); err != nil {
			s.log.Error().Err(err).Str("topic", topic).Msg("Subscribe failed")
			continue
		}
		s.log.Info().Str("topic", topic).Msg("Subscribed to topic")
	}
}

func (s *Subscriber) onMessage(_ paho.Client, m paho.Message) {
	s.handler(Message{Topic: m.Topic(), Payload: string(m.Payload()), Time: time.Now()})
}

// IsConnected reports whether the client is connected
func (s *Subscriber) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Close disconnects from the broker
func (s *Subscriber) Close() error {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	return nil
}
