package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/sensor-monitor/internal/logger"
)

// fakeBus records published messages
type fakeBus struct {
	mu     sync.Mutex
	msgs   []Message
	err    error
	closed bool
}

func (b *fakeBus) Publish(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func TestRelayFansOut(t *testing.T) {
	failing := &fakeBus{err: errors.New("down")}
	ok := &fakeBus{}
	r := New(DefaultConfig(), logger.NewTestLogger(), failing, ok)

	r.Handle(Message{Topic: "site/dev1", Payload: `{"t":21}`})

	require.Len(t, ok.msgs, 1, "a failing bus does not block the others")
	assert.Equal(t, "site/dev1", ok.msgs[0].Topic)
	assert.False(t, ok.msgs[0].Time.IsZero())
	assert.Len(t, r.History(), 1)

	require.NoError(t, r.Close())
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestRelayEvictsByRetention(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := New(Config{Capacity: 10, Retention: 10 * time.Minute}, logger.NewTestLogger())
	r.now = func() time.Time { return now }

	r.Handle(Message{Topic: "old", Time: now.Add(-time.Hour)})
	r.Handle(Message{Topic: "new", Time: now.Add(-time.Minute)})

	assert.Equal(t, 1, r.Evict())
	history := r.History()
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Topic)
}

func TestRelayHistoryBounded(t *testing.T) {
	r := New(Config{Capacity: 2}, logger.NewTestLogger())
	for _, topic := range []string{"a", "b", "c"} {
		r.Handle(Message{Topic: topic})
	}
	history := r.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].Topic)
}

// fakeMQTTMessage implements the paho message interface
type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 0 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}

func TestSubscriberForwardsMessages(t *testing.T) {
	var got []Message
	s := NewSubscriber(MQTTConfig{Broker: "tcp://localhost:1883"}, func(m Message) { got = append(got, m) }, logger.NewTestLogger())
	assert.Equal(t, []string{"#"}, s.config.Topics)
	assert.False(t, s.IsConnected())

	s.onMessage(nil, fakeMQTTMessage{topic: "farm/dev1/temperature", payload: []byte("21.5")})
	require.Len(t, got, 1)
	assert.Equal(t, "farm/dev1/temperature", got[0].Topic)
	assert.Equal(t, "21.5", got[0].Payload)
	assert.NoError(t, s.Close())
}

func TestHubSendsHistoryThenLive(t *testing.T) {
	history := []Message{{Topic: "old", Payload: "1"}}
	hub := NewHub(func() []Message { return history }, logger.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() envelope {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	first := read()
	assert.Equal(t, "mqtt_message", first.Type)
	assert.Equal(t, "old", first.Payload.Topic)

	require.NoError(t, hub.Publish(Message{Topic: "live", Payload: "2"}))
	assert.Equal(t, "live", read().Payload.Topic)

	require.NoError(t, hub.Close())
	assert.Error(t, hub.Publish(Message{Topic: "late"}))
}

func TestZMQBusPublishes(t *testing.T) {
	bus, err := ListenZMQ("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	require.NoError(t, sub.Dial("tcp://"+bus.Addr().String()))
	require.NoError(t, sub.SetOption(zmq4.OptionSubscribe, "farm/"))

	received := make(chan zmq4.Msg, 1)
	go func() {
		msg, err := sub.Recv()
		if err == nil {
			received <- msg
		}
	}()

	// Subscriptions propagate asynchronously, so publish until one arrives
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-received:
			require.Len(t, msg.Frames, 2)
			assert.Equal(t, "farm/dev1", string(msg.Frames[0]))
			var m Message
			require.NoError(t, json.Unmarshal(msg.Frames[1], &m))
			assert.Equal(t, "42", m.Payload)
			return
		case <-ticker.C:
			require.NoError(t, bus.Publish(Message{Topic: "farm/dev1", Payload: "42"}))
		case <-ctx.Done():
			t.Fatal("no message received")
		}
	}
}
