package ingest

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig selects the alternate broker. Subjects carry the same
// msgpack payloads as the NSQ topics.
type NATSConfig struct {
	URL            string
	AccountSubject string
	SlotSubject    string
}

// NATSSource subscribes to the account and slot subjects on a single
// connection.
type NATSSource struct {
	conn *nats.Conn
	subs []*nats.Subscription
	log  zerolog.Logger
}

// NewNATSSource connects and starts delivery into d. Reconnects are
// retried forever; updates published while disconnected are lost,
// which at-most-once delivery already permits.
func NewNATSSource(cfg NATSConfig, d *Decoder, log zerolog.Logger) (*NATSSource, error) {
	nl := log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nl.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nl.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			nl.Error().Err(err).Msg("subscription error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	// Core NATS has no ack, so the envelope carries none.
	accSub, err := conn.Subscribe(cfg.AccountSubject, func(m *nats.Msg) {
		d.HandleAccount(m.Data, nil)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("accounts subject: %w", err)
	}
	slotSub, err := conn.Subscribe(cfg.SlotSubject, func(m *nats.Msg) {
		d.HandleSlot(m.Data, nil)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("slots subject: %w", err)
	}

	nl.Info().
		Str("url", cfg.URL).
		Str("accounts", cfg.AccountSubject).
		Str("slots", cfg.SlotSubject).
		Msg("nats consumers connected")

	return &NATSSource{conn: conn, subs: []*nats.Subscription{accSub, slotSub}, log: nl}, nil
}

// Stop unsubscribes and closes the connection.
func (s *NATSSource) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.conn.Close()
	s.log.Info().Msg("nats consumers stopped")
}
