// Package router fans ingested updates out to a fixed pool of
// subscription managers. Subscriptions and updates are sharded with
// the same hash over the same key encoding, so an update always lands
// on the shard holding the subscriptions it can match. Slot updates
// are broadcast to every manager and forwarded to the buffer once.
package router

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/types"
)

const routerInboxSize = 8192

// Router owns the manager pool and routes every message to the right
// shard.
type Router struct {
	inbox    chan Msg
	managers []*Manager
	buffer   Buffer
	log      zerolog.Logger
}

// New creates the router with a pool of shards managers.
func New(shards int, log zerolog.Logger, m *metrics.Metrics) *Router {
	if shards < 1 {
		shards = 1
	}
	managers := make([]*Manager, shards)
	for i := range managers {
		managers[i] = newManager(i, log, m)
	}
	return &Router{
		inbox:    make(chan Msg, routerInboxSize),
		managers: managers,
		log:      log.With().Str("actor", "router").Logger(),
	}
}

// Managers exposes the pool so each shard can be supervised
// separately.
func (r *Router) Managers() []*Manager { return r.managers }

// Send enqueues a message, blocking when the inbox is full.
func (r *Router) Send(msg Msg) { r.inbox <- msg }

// DispatchAccount re-enters an account update into the normal dispatch
// path. The buffer uses it to replay tracked accounts at higher
// commitment levels.
func (r *Router) DispatchAccount(u types.AccountUpdate) {
	r.Send(AccountUpdate{AccountUpdate: u})
}

// Run consumes the inbox until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.inbox:
			r.route(msg)
		}
	}
}

func (r *Router) route(msg Msg) {
	switch msg := msg.(type) {
	case AccountSubscribe:
		r.managers[r.shardKey(msg.Key)].Send(msg)
	case AccountUnsubscribe:
		r.managers[r.shardKey(msg.Key)].Send(msg)
	case SlotSubscribe:
		r.managers[r.shardRecipient(msg.Recipient.ID())].Send(msg)
	case SlotUnsubscribe:
		r.managers[r.shardRecipient(msg.Recipient.ID())].Send(msg)

	case AccountUpdate:
		// two deliveries: one for account subscribers, one for
		// subscribers to the owning program
		u := msg.AccountUpdate
		r.managers[r.shardKey(u.AccountKey())].Send(accountMatch{update: u, kind: types.Account})
		r.managers[r.shardKey(u.ProgramKey())].Send(accountMatch{update: u, kind: types.Program})

	case SlotUpdate:
		for _, m := range r.managers {
			m.Send(msg)
		}
		if r.buffer != nil {
			r.buffer.PushSlot(msg.SlotUpdate)
		}

	case SetBuffer:
		for _, m := range r.managers {
			m.Send(msg)
		}
		r.buffer = msg.Buffer

	default:
		r.log.Warn().Msgf("router dropped unexpected message %T", msg)
	}
}

func (r *Router) shardKey(k types.SubKey) int {
	b := k.Bytes()
	return int(xxh3.Hash(b[:]) % uint64(len(r.managers)))
}

func (r *Router) shardRecipient(id uuid.UUID) int {
	return int(xxh3.Hash(id[:]) % uint64(len(r.managers)))
}
