package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/go-zeromq/zmq4"
)

// ZMQBus publishes relayed messages on a ZeroMQ PUB socket. Each message is
// two frames: the MQTT topic and the JSON-encoded Message.
type ZMQBus struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
}

// ListenZMQ binds a PUB socket on endpoint (e.g. tcp://*:5560)
func ListenZMQ(endpoint string) (*ZMQBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("failed to bind publish socket: %w", err)
	}
	return &ZMQBus{sock: sock, cancel: cancel}, nil
}

// Addr returns the bound address
func (b *ZMQBus) Addr() net.Addr {
	return b.sock.Addr()
}

// Publish sends msg to every subscriber
func (b *ZMQBus) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.sock.Send(zmq4.NewMsgFrom([]byte(msg.Topic), data)); err != nil {
		return fmt.Errorf("zmq send: %w", err)
	}
	return nil
}

// Close closes the socket
func (b *ZMQBus) Close() error {
	b.cancel()
	return b.sock.Close()
}
