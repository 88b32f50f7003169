package zmqstream

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"receiver/constants"

	"github.com/go-redis/redis"
	"github.com/go-zeromq/zmq4"
)

// Transport selects the publish/subscribe backend.
type Transport uint8

const (
	ZMQ Transport = iota
	Redis
)

func (t Transport) String() string {
	switch t {
	case ZMQ:
		return "zmq"
	case Redis:
		return "redis"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// ParseTransport maps a configuration name to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "", "zmq", "zeromq":
		return ZMQ, nil
	case "redis":
		return Redis, nil
	default:
		return 0, fmt.Errorf("zmqstream: unknown transport %q", s)
	}
}

// Publisher sends one header and, when data is non-nil, the frame it
// describes. Send never retains data, so the caller may reuse it as soon as
// Send returns.
type Publisher interface {
	Send(h *Header, data []byte) error
	Close() error
}

// Options configure a publisher. For ZMQ, Endpoint is bound
// ("tcp://0.0.0.0:30001") and HighWaterMark caps the messages queued for
// subscribers; for Redis it is the server address and Channel names the
// pub/sub channel.
type Options struct {
	Transport     Transport
	Endpoint      string
	Channel       string
	HighWaterMark int // 0 uses constants.DefaultFifoDepth
}

// NewPublisher opens the publisher selected by opts.Transport.
func NewPublisher(ctx context.Context, opts Options) (Publisher, error) {
	switch opts.Transport {
	case ZMQ:
		return newZMQPublisher(ctx, opts.Endpoint, opts.HighWaterMark)
	case Redis:
		return newRedisPublisher(opts.Endpoint, opts.Channel)
	default:
		return nil, fmt.Errorf("zmqstream: unsupported transport %v", opts.Transport)
	}
}

// ZMQPublisher is a ZeroMQ PUB socket. Each frame travels as one two-part
// message (header, data), so a full queue drops the pair together.
type ZMQPublisher struct {
	sock zmq4.Socket
}

func newZMQPublisher(ctx context.Context, endpoint string, hwm int) (*ZMQPublisher, error) {
	if hwm <= 0 {
		hwm = constants.DefaultFifoDepth
	}
	sock := zmq4.NewPub(ctx)
	if err := sock.SetOption(zmq4.OptionHWM, hwm); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmqstream: high-water mark %d: %w", hwm, err)
	}
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmqstream: listen %s: %w", endpoint, err)
	}
	return &ZMQPublisher{sock: sock}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (p *ZMQPublisher) Addr() string {
	if a := p.sock.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// HighWaterMark reports the queue limit set on the socket.
func (p *ZMQPublisher) HighWaterMark() int {
	v, err := p.sock.GetOption(zmq4.OptionHWM)
	if err != nil {
		return 0
	}
	n, _ := v.(int)
	return n
}

// Send queues the message; the socket writes it to subscribers later, so
// data is copied first.
func (p *ZMQPublisher) Send(h *Header, data []byte) error {
	hdr, err := h.Encode()
	if err != nil {
		return err
	}
	msg := zmq4.NewMsg(hdr)
	if data != nil {
		msg = zmq4.NewMsgFrom(hdr, bytes.Clone(data))
	}
	if err := p.sock.Send(msg); err != nil {
		return fmt.Errorf("zmqstream: send: %w", err)
	}
	return nil
}

func (p *ZMQPublisher) Close() error { return p.sock.Close() }

// RedisPublisher publishes header and data on one Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func newRedisPublisher(addr, channel string) (*RedisPublisher, error) {
	if channel == "" {
		channel = "receiver"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("zmqstream: redis %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Send publishes the header and then the data as two channel messages.
// Publish completes the round trip before returning.
func (p *RedisPublisher) Send(h *Header, data []byte) error {
	hdr, err := h.Encode()
	if err != nil {
		return err
	}
	if err := p.publish(hdr); err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return p.publish(data)
}

func (p *RedisPublisher) publish(b []byte) error {
	if err := p.client.Publish(p.channel, b).Err(); err != nil {
		return fmt.Errorf("zmqstream: publish %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
