package router

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/types"
)

const managerInboxSize = 4096

// Manager owns one shard of the subscription tables. It is
// shared-nothing: tables are allocated inside Run and never touched by
// another goroutine, so a restart begins with empty tables and
// sessions must resubscribe.
type Manager struct {
	id      int
	inbox   chan Msg
	buffer  Buffer
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func newManager(id int, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		id:      id,
		inbox:   make(chan Msg, managerInboxSize),
		log:     log.With().Int("manager_id", id).Logger(),
		metrics: m,
	}
}

// Send enqueues a message, blocking when the inbox is full.
func (m *Manager) Send(msg Msg) { m.inbox <- msg }

// Run consumes the inbox until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	accounts := make(map[types.SubKey]map[uuid.UUID]Recipient)
	slots := make(map[uuid.UUID]Recipient)
	subs := 0
	gauge := m.metrics.SubscriptionsCount.WithLabelValues(strconv.Itoa(m.id))
	gauge.Set(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case AccountSubscribe:
				set, ok := accounts[msg.Key]
				if !ok {
					set = make(map[uuid.UUID]Recipient)
					accounts[msg.Key] = set
				}
				if _, dup := set[msg.Recipient.ID()]; !dup {
					set[msg.Recipient.ID()] = msg.Recipient
					subs++
					gauge.Set(float64(subs))
				}

			case AccountUnsubscribe:
				set, ok := accounts[msg.Key]
				if !ok {
					continue
				}
				if _, present := set[msg.Recipient.ID()]; present {
					delete(set, msg.Recipient.ID())
					subs--
					gauge.Set(float64(subs))
				}
				if len(set) == 0 {
					delete(accounts, msg.Key)
				}

			case SlotSubscribe:
				if _, dup := slots[msg.Recipient.ID()]; !dup {
					slots[msg.Recipient.ID()] = msg.Recipient
					subs++
					gauge.Set(float64(subs))
				}

			case SlotUnsubscribe:
				if _, present := slots[msg.Recipient.ID()]; present {
					delete(slots, msg.Recipient.ID())
					subs--
					gauge.Set(float64(subs))
				}

			case accountMatch:
				key := msg.update.AccountKey()
				if msg.kind == types.Program {
					key = msg.update.ProgramKey()
				}
				set, ok := accounts[key]
				if !ok {
					continue
				}
				// processed accounts are buffered so confirmed and
				// finalized replays can reach the same subscribers
				if msg.update.SlotStatus == types.Processed && m.buffer != nil {
					m.buffer.TrackAccount(msg.update)
				}
				out := AccountUpdated{Key: key, Update: msg.update}
				for id, r := range set {
					if !r.SendAccount(out) {
						delete(set, id)
						subs--
						m.metrics.NotificationsDropped.Inc()
					}
				}
				gauge.Set(float64(subs))

			case SlotUpdate:
				out := SlotUpdated{Slot: msg.Slot, Parent: msg.Parent}
				for id, r := range slots {
					if !r.SendSlot(out) {
						delete(slots, id)
						subs--
						m.metrics.NotificationsDropped.Inc()
					}
				}
				gauge.Set(float64(subs))

			case SetBuffer:
				m.buffer = msg.Buffer

			default:
				m.log.Warn().Msgf("manager dropped unexpected message %T", msg)
			}
		}
	}
}
