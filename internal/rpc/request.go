// Package rpc implements the JSON-RPC 2.0 dialect spoken over the
// websocket: subscribe requests, reply envelopes and the notification
// payloads pushed to clients.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/bobs4462/validator-offload/internal/types"
)

// Version is the protocol version stamped on every envelope.
const Version = "2.0"

// Method names a client can request.
type Method string

const (
	MethodAccountSubscribe   Method = "accountSubscribe"
	MethodProgramSubscribe   Method = "programSubscribe"
	MethodAccountUnsubscribe Method = "accountUnsubscribe"
	MethodProgramUnsubscribe Method = "programUnsubscribe"
	MethodSlotSubscribe      Method = "slotSubscribe"
	MethodSlotUnsubscribe    Method = "slotUnsubscribe"
)

func (m Method) valid() bool {
	switch m {
	case MethodAccountSubscribe, MethodProgramSubscribe,
		MethodAccountUnsubscribe, MethodProgramUnsubscribe,
		MethodSlotSubscribe, MethodSlotUnsubscribe:
		return true
	}
	return false
}

// Request is the decoded envelope of one client message. Params stays
// raw until the method decides its shape.
type Request struct {
	ID     uint64          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ParseRequest decodes the envelope. A malformed envelope or unknown
// method is a protocol-level parse failure.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	if !req.Method.valid() {
		return Request{}, fmt.Errorf("unknown method %q", req.Method)
	}
	return req, nil
}

// Encoding of account data a client asks for. Output is always
// base64+zstd regardless; the field is validated for protocol
// compatibility only.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

func (e Encoding) valid() bool {
	switch e {
	case EncodingBase58, EncodingBase64, EncodingBase64Zstd:
		return true
	}
	return false
}

// SubOptions is the options object of a subscribe request.
type SubOptions struct {
	Encoding   Encoding         `json:"encoding"`
	Commitment types.Commitment `json:"commitment"`
}

// SubscribeParams is the decoded `[pubkey, options]` pair of an
// accountSubscribe or programSubscribe request.
type SubscribeParams struct {
	Pubkey  types.Pubkey
	Options SubOptions
}

// DecodeSubscribeParams parses `[<base58 pubkey>, <options>]`. The
// commitment defaults to finalized when omitted.
func DecodeSubscribeParams(raw json.RawMessage) (SubscribeParams, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return SubscribeParams{}, fmt.Errorf("params: %w", err)
	}
	if len(arr) < 2 {
		return SubscribeParams{}, fmt.Errorf("params: got %d elements, want 2", len(arr))
	}

	var encoded string
	if err := json.Unmarshal(arr[0], &encoded); err != nil {
		return SubscribeParams{}, fmt.Errorf("params: pubkey: %w", err)
	}
	pubkey, err := types.ParsePubkey(encoded)
	if err != nil {
		return SubscribeParams{}, fmt.Errorf("params: %w", err)
	}

	var opts SubOptions
	if err := json.Unmarshal(arr[1], &opts); err != nil {
		return SubscribeParams{}, fmt.Errorf("params: options: %w", err)
	}
	if !opts.Encoding.valid() {
		return SubscribeParams{}, fmt.Errorf("params: unsupported encoding %q", opts.Encoding)
	}
	if opts.Commitment == 0 {
		opts.Commitment = types.Finalized
	}
	return SubscribeParams{Pubkey: pubkey, Options: opts}, nil
}

// DecodeUnsubscribeParams parses `[<subscription id>]`.
func DecodeUnsubscribeParams(raw json.RawMessage) (types.SubID, error) {
	var arr []uint64
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, fmt.Errorf("params: %w", err)
	}
	if len(arr) < 1 {
		return 0, fmt.Errorf("params: got %d elements, want 1", len(arr))
	}
	return types.SubID(arr[0]), nil
}
