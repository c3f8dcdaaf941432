package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// BusConfig holds NATS connection settings for the cross-context bus.
type BusConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// Bus is a Transport over a NATS subject pair. The page↔content-script and
// content-script↔background boundaries each get their own subject pair;
// the client library reconnects underneath, so a transient broker drop only
// orphans in-flight requests.
type Bus struct {
	conn    *nats.Conn
	ownConn bool
	sub     *nats.Subscription

	sendSubject string
	inbound     chan *Message

	mu        sync.Mutex
	isClosed  bool
	closeOnce sync.Once
}

// DialBus connects to the bus and subscribes to recvSubject; outbound
// messages go to sendSubject.
func DialBus(cfg BusConfig, sendSubject, recvSubject string) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("sable-wallet"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	bus, err := NewBus(conn, sendSubject, recvSubject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bus.ownConn = true
	return bus, nil
}

// NewBus wraps an existing NATS connection. The caller keeps ownership of
// the connection unless the bus was built through DialBus.
func NewBus(conn *nats.Conn, sendSubject, recvSubject string) (*Bus, error) {
	b := &Bus{
		conn:        conn,
		sendSubject: sendSubject,
		inbound:     make(chan *Message, 16),
	}

	sub, err := conn.Subscribe(recvSubject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping malformed bus message")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.isClosed {
			return
		}
		select {
		case b.inbound <- &msg:
		default:
			log.Warn().Str("subject", m.Subject).Msg("Bus inbound full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", recvSubject, err)
	}
	b.sub = sub

	log.Debug().Str("send", sendSubject).Str("recv", recvSubject).Msg("Bus transport ready")
	return b, nil
}

// Send publishes one envelope to the send subject.
func (b *Bus) Send(msg *Message) error {
	b.mu.Lock()
	closed := b.isClosed
	b.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.conn.Publish(b.sendSubject, data)
}

// Messages returns the inbound stream.
func (b *Bus) Messages() <-chan *Message {
	return b.inbound
}

// Close unsubscribes and, if the bus dialed its own connection, closes it.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if b.sub != nil {
			b.sub.Unsubscribe()
		}
		b.mu.Lock()
		b.isClosed = true
		close(b.inbound)
		b.mu.Unlock()
		if b.ownConn {
			b.conn.Close()
		}
	})
	return nil
}
