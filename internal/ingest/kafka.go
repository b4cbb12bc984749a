package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers      []string
	Group        string
	AccountTopic string
	SlotTopic    string
}

// KafkaSource consumes both topics through one group client. Offsets
// autocommit out of band, approximating the decode-then-ack contract
// of the NSQ source.
type KafkaSource struct {
	client *kgo.Client
	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(cfg KafkaConfig, d *Decoder, log zerolog.Logger) (*KafkaSource, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.AccountTopic, cfg.SlotTopic),
		// A gateway that was down has no use for stale updates.
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		client: client,
		log:    log.With().Str("source", "kafka").Logger(),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.poll(ctx, d, cfg.AccountTopic)

	s.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("group", cfg.Group).
		Str("account_topic", cfg.AccountTopic).
		Str("slot_topic", cfg.SlotTopic).
		Msg("kafka consumer started")
	return s, nil
}

func (s *KafkaSource) poll(ctx context.Context, d *Decoder, accountTopic string) {
	defer s.wg.Done()
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			s.log.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("fetch failed")
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			// Offsets autocommit out of band, so the envelope carries
			// no ack of its own.
			if rec.Topic == accountTopic {
				d.HandleAccount(rec.Value, nil)
			} else {
				d.HandleSlot(rec.Value, nil)
			}
		})
	}
}

func (s *KafkaSource) Stop() {
	s.cancel()
	s.wg.Wait()
	s.client.Close()
	s.log.Info().Msg("kafka consumer stopped")
}
