package router

import (
	"github.com/google/uuid"

	"github.com/bobs4462/validator-offload/internal/types"
)

// Msg is implemented by every message a Router or Manager inbox
// accepts.
type Msg interface{ routerMsg() }

// Recipient is one session's receiving end for matched updates.
// Implementations must not block: delivery either succeeds immediately
// or returns false, in which case the recipient is dropped from the
// subscription table. Recipients are compared by ID.
type Recipient interface {
	ID() uuid.UUID
	SendAccount(AccountUpdated) bool
	SendSlot(SlotUpdated) bool
}

// Buffer accepts accounts to track for commitment replay and slot
// transitions to settle. Implementations must not block; an overloaded
// buffer drops instead.
type Buffer interface {
	TrackAccount(types.AccountUpdate)
	PushSlot(types.SlotUpdate)
}

// AccountSubscribe registers a recipient for updates matching Key.
type AccountSubscribe struct {
	Key       types.SubKey
	Recipient Recipient
}

// AccountUnsubscribe removes a previously registered recipient.
type AccountUnsubscribe struct {
	Key       types.SubKey
	Recipient Recipient
}

// SlotSubscribe registers a recipient for slot transitions.
type SlotSubscribe struct{ Recipient Recipient }

// SlotUnsubscribe removes a slot recipient.
type SlotUnsubscribe struct{ Recipient Recipient }

// AccountUpdate carries one ingested account write into the Router.
type AccountUpdate struct{ types.AccountUpdate }

// SlotUpdate carries one ingested slot transition into the Router.
type SlotUpdate struct{ types.SlotUpdate }

// SetBuffer wires the buffer handle into the Router and every Manager.
type SetBuffer struct{ Buffer Buffer }

// accountMatch is the Router-to-Manager dispatch of one account
// update, tagged with the subscription kind the shard was picked by.
type accountMatch struct {
	update types.AccountUpdate
	kind   types.SubscriptionKind
}

// AccountUpdated is delivered to a session when an account covered by
// one of its subscriptions changes. The session resolves its own SubID
// from Key.
type AccountUpdated struct {
	Key    types.SubKey
	Update types.AccountUpdate
}

// SlotUpdated is delivered to slot subscribers.
type SlotUpdated struct {
	Slot   types.Slot
	Parent types.Slot
}

func (AccountSubscribe) routerMsg()   {}
func (AccountUnsubscribe) routerMsg() {}
func (SlotSubscribe) routerMsg()      {}
func (SlotUnsubscribe) routerMsg()    {}
func (AccountUpdate) routerMsg()      {}
func (SlotUpdate) routerMsg()         {}
func (SetBuffer) routerMsg()          {}
func (accountMatch) routerMsg()       {}
