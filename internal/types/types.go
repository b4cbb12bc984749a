// Package types defines the domain types shared across the gateway:
// public keys, commitment levels, subscription keys and the broker
// wire records for account and slot updates.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/vmihailenco/msgpack/v5"
)

// PubkeyLen is the byte length of an ed25519 public key.
const PubkeyLen = 32

// Slot is a slot number assigned by the cluster.
type Slot uint64

// SubID identifies one subscription within one session. IDs are
// allocated sequentially per session starting from zero.
type SubID uint64

// Pubkey is a raw 32-byte account or program public key.
type Pubkey [PubkeyLen]byte

// ParsePubkey decodes a base58-encoded public key.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(raw) != PubkeyLen {
		return pk, fmt.Errorf("decode pubkey: got %d bytes, want %d", len(raw), PubkeyLen)
	}
	copy(pk[:], raw)
	return pk, nil
}

// String returns the base58 form of the key.
func (p Pubkey) String() string { return base58.Encode(p[:]) }

// EncodeMsgpack writes the key as a raw binary blob.
func (p Pubkey) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.EncodeBytes(p[:]) }

// DecodeMsgpack reads the key from a raw binary blob, rejecting
// payloads of the wrong length.
func (p *Pubkey) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(raw) != PubkeyLen {
		return fmt.Errorf("pubkey: got %d bytes, want %d", len(raw), PubkeyLen)
	}
	copy(p[:], raw)
	return nil
}

// Commitment is the cluster's acceptance level for a piece of state,
// ordered Processed < Confirmed < Finalized.
type Commitment uint8

const (
	// Processed state is the most recent and may still be rolled back.
	Processed Commitment = iota + 1
	// Confirmed state has been voted on by a supermajority of the cluster.
	Confirmed
	// Finalized state has been rooted and is permanent.
	Finalized
)

// CommitmentFromByte maps a wire status byte to a commitment level.
// Unknown values collapse to Processed.
func CommitmentFromByte(b byte) Commitment {
	switch b {
	case 2:
		return Confirmed
	case 3:
		return Finalized
	default:
		return Processed
	}
}

func (c Commitment) String() string {
	switch c {
	case Processed:
		return "processed"
	case Confirmed:
		return "confirmed"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("commitment(%d)", uint8(c))
	}
}

// UnmarshalJSON accepts the lowercase protocol spelling of a level.
func (c *Commitment) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	switch s {
	case "processed":
		*c = Processed
	case "confirmed":
		*c = Confirmed
	case "finalized":
		*c = Finalized
	default:
		return fmt.Errorf("unknown commitment %q", s)
	}
	return nil
}

// EncodeMsgpack writes the level as its wire status byte.
func (c Commitment) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.EncodeUint8(uint8(c)) }

// DecodeMsgpack reads a wire status byte, collapsing unknown values
// to Processed.
func (c *Commitment) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*c = CommitmentFromByte(b)
	return nil
}

// SubscriptionKind distinguishes single-account subscriptions from
// program-owned ones.
type SubscriptionKind uint8

const (
	// Account subscribes to updates of one account.
	Account SubscriptionKind = iota + 1
	// Program subscribes to updates of every account owned by a program.
	Program
)

func (k SubscriptionKind) String() string {
	if k == Program {
		return "program"
	}
	return "account"
}

// SubKeyLen is the byte length of the fixed-width SubKey encoding:
// 32 pubkey bytes, one commitment byte, one kind byte.
const SubKeyLen = PubkeyLen + 2

// SubKey uniquely identifies a subscription target: which key, at
// which commitment level, and whether the key names an account or an
// owner program.
type SubKey struct {
	Pubkey     Pubkey
	Commitment Commitment
	Kind       SubscriptionKind
}

// Bytes returns the fixed-width encoding of the key. The routing side
// and the subscribing side hash this same encoding, so an update and
// the subscriptions it matches always land on the same shard.
func (k SubKey) Bytes() [SubKeyLen]byte {
	var out [SubKeyLen]byte
	copy(out[:PubkeyLen], k.Pubkey[:])
	out[PubkeyLen] = byte(k.Commitment)
	out[PubkeyLen+1] = byte(k.Kind)
	return out
}

func (k SubKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Pubkey, k.Commitment, k.Kind)
}

// AccountUpdate is the broker record for one account write at one
// slot, tagged with the commitment level the write was observed at.
type AccountUpdate struct {
	Pubkey     Pubkey     `msgpack:"pubkey"`
	Owner      Pubkey     `msgpack:"owner"`
	Lamports   uint64     `msgpack:"lamports"`
	Data       []byte     `msgpack:"data"`
	RentEpoch  uint64     `msgpack:"rent_epoch"`
	Executable bool       `msgpack:"executable"`
	Slot       Slot       `msgpack:"slot"`
	SlotStatus Commitment `msgpack:"slot_status"`
}

// AccountKey is the subscription key an account-kind subscription
// matches this update with.
func (a *AccountUpdate) AccountKey() SubKey {
	return SubKey{Pubkey: a.Pubkey, Commitment: a.SlotStatus, Kind: Account}
}

// ProgramKey is the subscription key a program-kind subscription
// matches this update with.
func (a *AccountUpdate) ProgramKey() SubKey {
	return SubKey{Pubkey: a.Owner, Commitment: a.SlotStatus, Kind: Program}
}

// SlotUpdate is the broker record for one slot status transition.
type SlotUpdate struct {
	Slot   Slot       `msgpack:"slot"`
	Parent Slot       `msgpack:"parent"`
	Status Commitment `msgpack:"status"`
}
