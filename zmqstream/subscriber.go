package zmqstream

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Subscriber is a viewer-side ZeroMQ SUB socket.
type Subscriber struct {
	sock zmq4.Socket
}

// NewSubscriber connects to a publisher endpoint and subscribes to everything.
func NewSubscriber(ctx context.Context, endpoint string) (*Subscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmqstream: dial %s: %w", endpoint, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmqstream: subscribe: %w", err)
	}
	return &Subscriber{sock: sock}, nil
}

// Receive reads the next message: a header and, when the header announces
// data, the frame sent with it.
func (s *Subscriber) Receive() (Header, []byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return Header{}, nil, fmt.Errorf("zmqstream: receive: %w", err)
	}
	if len(msg.Frames) == 0 {
		return Header{}, nil, fmt.Errorf("%w: empty message", ErrMalformedHeader)
	}
	h, err := ParseHeader(msg.Frames[0])
	if err != nil || h.Data == 0 {
		return h, nil, err
	}
	if len(msg.Frames) != 2 {
		return h, nil, fmt.Errorf("%w: %d parts for a data header", ErrMalformedHeader, len(msg.Frames))
	}
	return h, msg.Frames[1], nil
}

func (s *Subscriber) Close() error { return s.sock.Close() }
