package rpc

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/bobs4462/validator-offload/internal/types"
)

const examplePubkey = "CM78CPUeXjn8o3yroDHxUtKsZZgoy4GPkPPXfouKNH12"

func TestParseRequest_AccountSubscribe(t *testing.T) {
	raw := `
	{
		"jsonrpc": "2.0",
		"id": 1,
		"method": "accountSubscribe",
		"params": [
			"` + examplePubkey + `",
			{
				"encoding": "base64",
				"commitment": "processed"
			}
		]
	}`
	req, err := ParseRequest([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, uint64(1), req.ID)
	require.Equal(t, MethodAccountSubscribe, req.Method)

	params, err := DecodeSubscribeParams(req.Params)
	require.NoError(t, err)
	require.Equal(t, examplePubkey, params.Pubkey.String())
	require.Equal(t, EncodingBase64, params.Options.Encoding)
	require.Equal(t, types.Processed, params.Options.Commitment)
}

func TestDecodeSubscribeParams_DefaultsCommitmentToFinalized(t *testing.T) {
	raw := `["` + examplePubkey + `", {"encoding": "base64+zstd"}]`
	params, err := DecodeSubscribeParams(json.RawMessage(raw))
	require.NoError(t, err)
	require.Equal(t, EncodingBase64Zstd, params.Options.Encoding)
	require.Equal(t, types.Finalized, params.Options.Commitment)
}

func TestDecodeSubscribeParams_RejectsMalformedShapes(t *testing.T) {
	cases := []string{
		`[5]`,
		`["` + examplePubkey + `"]`,
		`["not-a-pubkey", {"encoding": "base64"}]`,
		`["` + examplePubkey + `", {"encoding": "hex"}]`,
		`["` + examplePubkey + `", {}]`,
		`{}`,
	}
	for _, raw := range cases {
		_, err := DecodeSubscribeParams(json.RawMessage(raw))
		require.Error(t, err, "params %s", raw)
	}
}

func TestParseRequest_SlotSubscribeWithoutParams(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0", "id":1, "method":"slotSubscribe"}`))
	require.NoError(t, err)
	require.Equal(t, MethodSlotSubscribe, req.Method)
	require.Nil(t, req.Params)
}

func TestDecodeUnsubscribeParams_ReadsID(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0", "id":1, "method":"accountUnsubscribe", "params":[0]}`))
	require.NoError(t, err)
	id, err := DecodeUnsubscribeParams(req.Params)
	require.NoError(t, err)
	require.Equal(t, types.SubID(0), id)

	_, err = DecodeUnsubscribeParams(json.RawMessage(`[]`))
	require.Error(t, err)
	_, err = DecodeUnsubscribeParams(json.RawMessage(`["zero"]`))
	require.Error(t, err)
}

func TestParseRequest_RejectsUnknownMethodAndBadJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"blockSubscribe"}`))
	require.Error(t, err)

	_, err = ParseRequest([]byte(`{"jsonrpc":`))
	require.Error(t, err)
}

func TestEncodeAccountNotification_AccountShape(t *testing.T) {
	pubkey, err := types.ParsePubkey(examplePubkey)
	require.NoError(t, err)
	var owner types.Pubkey
	owner[0] = 0xbb
	raw := []byte{10, 20, 30, 40, 50}

	u := &types.AccountUpdate{
		Pubkey:     pubkey,
		Owner:      owner,
		Lamports:   5_000,
		Data:       raw,
		RentEpoch:  361,
		Executable: true,
		Slot:       42,
		SlotStatus: types.Processed,
	}
	key := types.SubKey{Pubkey: pubkey, Commitment: types.Processed, Kind: types.Account}
	payload, err := EncodeAccountNotification(key, u, 7)
	require.NoError(t, err)

	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value AccountValue `json:"value"`
			} `json:"result"`
			Subscription uint64 `json:"subscription"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	require.Equal(t, "2.0", env.JSONRPC)
	require.Equal(t, "accountNotification", env.Method)
	require.Equal(t, uint64(7), env.Params.Subscription)
	require.Equal(t, uint64(42), env.Params.Result.Context.Slot)

	value := env.Params.Result.Value
	require.Equal(t, owner.String(), value.Owner)
	require.Equal(t, uint64(361), value.RentEpoch)
	require.Equal(t, uint64(5_000), value.Lamports)
	require.True(t, value.Executable)
	require.Equal(t, "base64+zstd", value.Data[1])

	compressed, err := base64.StdEncoding.DecodeString(value.Data[0])
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	require.Equal(t, raw, plain)
}

func TestEncodeAccountNotification_ProgramShapeCarriesSubscribedKey(t *testing.T) {
	var pubkey, owner types.Pubkey
	pubkey[0] = 0x01
	owner[0] = 0x02

	u := &types.AccountUpdate{
		Pubkey:     pubkey,
		Owner:      owner,
		Lamports:   1,
		Data:       []byte{1},
		Slot:       9,
		SlotStatus: types.Confirmed,
	}
	key := types.SubKey{Pubkey: owner, Commitment: types.Confirmed, Kind: types.Program}
	payload, err := EncodeAccountNotification(key, u, 3)
	require.NoError(t, err)

	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Pubkey  string       `json:"pubkey"`
					Account AccountValue `json:"account"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	require.Equal(t, "programNotification", env.Method)
	require.Equal(t, owner.String(), env.Params.Result.Value.Pubkey)
	require.Equal(t, owner.String(), env.Params.Result.Value.Account.Owner)
	require.Equal(t, uint64(1), env.Params.Result.Value.Account.Lamports)
}

func TestEncodeSlotNotification_SubscriptionAlwaysZero(t *testing.T) {
	payload, err := EncodeSlotNotification(100, 99)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"jsonrpc":"2.0","method":"slotNotification","params":{"subscription":0,"result":{"slot":100,"parent":99}}}`,
		string(payload))
}
