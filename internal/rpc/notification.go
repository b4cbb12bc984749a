package rpc

import (
	"encoding/base64"
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/bobs4462/validator-offload/internal/types"
)

// encoder is shared; EncodeAll is safe for concurrent use.
var encoder, _ = zstd.NewWriter(nil)

// dataEncoding tags the account data payload. Clients may ask for
// other encodings but always receive this one.
const dataEncoding = "base64+zstd"

type accountNotification struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  accountNotifyParams `json:"params"`
}

type accountNotifyParams struct {
	Result       accountResult `json:"result"`
	Subscription types.SubID   `json:"subscription"`
}

type accountResult struct {
	Context notifyContext `json:"context"`
	Value   any           `json:"value"`
}

type notifyContext struct {
	Slot types.Slot `json:"slot"`
}

// AccountValue is the account state payload of a notification.
type AccountValue struct {
	Data       [2]string `json:"data"`
	Owner      string    `json:"owner"`
	RentEpoch  uint64    `json:"rent_epoch"`
	Lamports   uint64    `json:"lamports"`
	Executable bool      `json:"executable"`
}

// programValue wraps the account state with the subscribed key for
// program subscriptions.
type programValue struct {
	Pubkey  string       `json:"pubkey"`
	Account AccountValue `json:"account"`
}

type slotNotification struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  slotNotifyParams `json:"params"`
}

type slotNotifyParams struct {
	Result       slotResult  `json:"result"`
	Subscription types.SubID `json:"subscription"`
}

type slotResult struct {
	Slot   types.Slot `json:"slot"`
	Parent types.Slot `json:"parent"`
}

func newAccountValue(u *types.AccountUpdate) AccountValue {
	compressed := encoder.EncodeAll(u.Data, nil)
	return AccountValue{
		Data:       [2]string{base64.StdEncoding.EncodeToString(compressed), dataEncoding},
		Owner:      u.Owner.String(),
		RentEpoch:  u.RentEpoch,
		Lamports:   u.Lamports,
		Executable: u.Executable,
	}
}

// EncodeAccountNotification serializes one matched account update for
// the subscription identified by sub. Program subscriptions wrap the
// account state together with the subscribed key; account
// subscriptions carry the state alone.
func EncodeAccountNotification(key types.SubKey, u *types.AccountUpdate, sub types.SubID) ([]byte, error) {
	value := any(newAccountValue(u))
	method := "accountNotification"
	if key.Kind == types.Program {
		method = "programNotification"
		value = programValue{Pubkey: key.Pubkey.String(), Account: value.(AccountValue)}
	}
	return json.Marshal(accountNotification{
		JSONRPC: Version,
		Method:  method,
		Params: accountNotifyParams{
			Result: accountResult{
				Context: notifyContext{Slot: u.Slot},
				Value:   value,
			},
			Subscription: sub,
		},
	})
}

// EncodeSlotNotification serializes a slot transition. The
// subscription id is literally 0: a session holds at most one slot
// subscription.
func EncodeSlotNotification(slot, parent types.Slot) ([]byte, error) {
	return json.Marshal(slotNotification{
		JSONRPC: Version,
		Method:  "slotNotification",
		Params: slotNotifyParams{
			Result:       slotResult{Slot: slot, Parent: parent},
			Subscription: 0,
		},
	})
}
