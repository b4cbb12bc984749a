package ingest

import (
	"fmt"

	nsq "github.com/nsqio/go-nsq"
	"github.com/rs/zerolog"
)

// NSQConfig carries everything needed to join the broker through its
// lookup daemons.
type NSQConfig struct {
	LookupAddrs  []string
	AccountTopic string
	SlotTopic    string
	Channel      string
}

// NSQSource runs one consumer per topic. Instances sharing a channel
// name split the stream between them; give every gateway instance its
// own channel so each one sees the full feed.
type NSQSource struct {
	accounts *nsq.Consumer
	slots    *nsq.Consumer
	log      zerolog.Logger
}

// NewNSQSource connects both consumers and starts delivery into d.
func NewNSQSource(cfg NSQConfig, d *Decoder, log zerolog.Logger) (*NSQSource, error) {
	nc := nsq.NewConfig()
	// Bodies wait in the decode inboxes unacked; the default window of
	// one message would serialize the whole stream on the ack latency.
	nc.MaxInFlight = 1024

	accounts, err := nsq.NewConsumer(cfg.AccountTopic, cfg.Channel, nc)
	if err != nil {
		return nil, fmt.Errorf("accounts consumer: %w", err)
	}
	slots, err := nsq.NewConsumer(cfg.SlotTopic, cfg.Channel, nc)
	if err != nil {
		return nil, fmt.Errorf("slots consumer: %w", err)
	}

	nl := nsqLogger{log: log.With().Str("component", "nsq").Logger()}
	accounts.SetLogger(nl, nsq.LogLevelWarning)
	slots.SetLogger(nl, nsq.LogLevelWarning)

	// The decode loop fires Finish once the body is decoded; rejected
	// bodies ack too, they would not decode on redelivery either.
	accounts.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		d.HandleAccount(m.Body, m.Finish)
		return nil
	}))
	slots.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		d.HandleSlot(m.Body, m.Finish)
		return nil
	}))

	if err := accounts.ConnectToNSQLookupds(cfg.LookupAddrs); err != nil {
		return nil, fmt.Errorf("accounts lookup: %w", err)
	}
	if err := slots.ConnectToNSQLookupds(cfg.LookupAddrs); err != nil {
		accounts.Stop()
		return nil, fmt.Errorf("slots lookup: %w", err)
	}

	log.Info().
		Strs("lookup", cfg.LookupAddrs).
		Str("accounts", cfg.AccountTopic).
		Str("slots", cfg.SlotTopic).
		Str("channel", cfg.Channel).
		Msg("nsq consumers connected")

	return &NSQSource{accounts: accounts, slots: slots, log: log}, nil
}

// Stop drains both consumers and waits for them to finish.
func (s *NSQSource) Stop() {
	s.accounts.Stop()
	s.slots.Stop()
	<-s.accounts.StopChan
	<-s.slots.StopChan
	s.log.Info().Msg("nsq consumers stopped")
}

type nsqLogger struct {
	log zerolog.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Warn().Msg(s)
	return nil
}
