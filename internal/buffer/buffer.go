// Package buffer holds account updates observed at Processed until
// their slot settles. On confirmation it replays them at Confirmed, on
// rooting at Finalized; accounts on pruned forks are dropped.
package buffer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/slotree"
	"github.com/bobs4462/validator-offload/internal/types"
)

const inboxSize = 16384

// Dispatcher re-enters replayed accounts into the fan-out path. The
// router implements it.
type Dispatcher interface {
	DispatchAccount(types.AccountUpdate)
}

type msg interface{ bufferMsg() }

type accountMsg struct{ update types.AccountUpdate }

type trackMsg struct{ update types.AccountUpdate }

type slotMsg struct{ update types.SlotUpdate }

func (accountMsg) bufferMsg() {}
func (trackMsg) bufferMsg()   {}
func (slotMsg) bufferMsg()    {}

// Buffer is the single owner of the slot tree. All state lives inside
// Run; the inbox survives restarts.
type Buffer struct {
	inbox   chan msg
	router  Dispatcher
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(router Dispatcher, log zerolog.Logger, m *metrics.Metrics) *Buffer {
	return &Buffer{
		inbox:   make(chan msg, inboxSize),
		router:  router,
		log:     log.With().Str("actor", "buffer").Logger(),
		metrics: m,
	}
}

// PushAccount enqueues an account straight off the ingest path.
// Handled exactly like TrackAccount; the distinct message only records
// that no manager matched it first. Never blocks; an overloaded buffer
// drops the account instead.
func (b *Buffer) PushAccount(u types.AccountUpdate) {
	select {
	case b.inbox <- accountMsg{update: u}:
	default:
		b.metrics.BufferDropped.Inc()
	}
}

// TrackAccount enqueues an account a manager matched against a live
// subscription, for replay at higher commitments. Never blocks.
func (b *Buffer) TrackAccount(u types.AccountUpdate) {
	select {
	case b.inbox <- trackMsg{update: u}:
	default:
		b.metrics.BufferDropped.Inc()
	}
}

// PushSlot enqueues a slot transition. Never blocks.
func (b *Buffer) PushSlot(u types.SlotUpdate) {
	select {
	case b.inbox <- slotMsg{update: u}:
	default:
		b.metrics.BufferDropped.Inc()
	}
}

// Run consumes the inbox until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) error {
	accounts := make(map[types.Slot][]types.AccountUpdate)
	tree := slotree.New()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.inbox:
			switch m := m.(type) {
			case accountMsg:
				accounts[m.update.Slot] = append(accounts[m.update.Slot], m.update)
			case trackMsg:
				accounts[m.update.Slot] = append(accounts[m.update.Slot], m.update)
			case slotMsg:
				b.settle(m.update, accounts, tree)
			}
		}
	}
}

// settle replays confirmed accounts, applies the transition to the
// slot tree and resolves every slot the push settled.
func (b *Buffer) settle(u types.SlotUpdate, accounts map[types.Slot][]types.AccountUpdate, tree *slotree.SlotTree) {
	if u.Status == types.Confirmed {
		// replay without removing: the same accounts are replayed
		// again at Finalized once the slot is rooted
		for _, acc := range accounts[u.Slot] {
			acc.SlotStatus = types.Confirmed
			b.router.DispatchAccount(acc)
		}
	}

	for _, fate := range tree.Push(u) {
		buffered, ok := accounts[fate.Slot]
		if !ok {
			continue
		}
		delete(accounts, fate.Slot)
		if !fate.Rooted {
			b.log.Debug().Uint64("slot", uint64(fate.Slot)).Int("dropped", len(buffered)).Msg("fork pruned")
			continue
		}
		for _, acc := range buffered {
			acc.SlotStatus = types.Finalized
			b.router.DispatchAccount(acc)
		}
	}

	// buffered slots that fell below the root without ever being
	// rooted or pruned are unreachable now
	root := tree.Root()
	for slot := range accounts {
		if slot < root {
			delete(accounts, slot)
		}
	}
}
