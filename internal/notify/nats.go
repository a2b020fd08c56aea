package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus bridges the notification bus onto a NATS connection, for
// deployments where agents run in separate processes.
type NATSBus struct {
	conn *nats.Conn
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultNATSOptions returns connection defaults: local server, unlimited
// reconnects.
func DefaultNATSOptions() NATSOptions {
	return NATSOptions{
		URL:            nats.DefaultURL,
		Name:           "agentq",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to a NATS server.
func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.Timeout(opts.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

// NewNATSBusFromConn wraps an existing connection. The caller keeps
// ownership of the connection lifecycle.
func NewNATSBusFromConn(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	ch := make(chan *Event, defaultBufferSize)
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		select {
		case ch <- &Event{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub, ch: ch}, nil
}

func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Event, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	m, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		if err == nats.ErrTimeout || err == nats.ErrNoResponders {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return &Event{Subject: m.Subject, Data: m.Data, Reply: m.Reply}, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSub struct {
	sub *nats.Subscription
	ch  chan *Event
}

func (s *natsSub) Events() <-chan *Event { return s.ch }

func (s *natsSub) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
