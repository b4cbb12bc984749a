package rpc

// Error codes returned to clients.
const (
	CodeParseError    int64 = -32700
	CodeInvalidParams int64 = -32602
)

// Invalid-params message texts.
const (
	MsgInvalidSubParams   = "Invalid params: expected [<pubkey | string>, <options: map>]"
	MsgInvalidUnsubParams = "Invalid params: expected [<id | u64>]"
	MsgInvalidSubID       = "Invalid subscription id"
)

// Response is the success envelope: result is either the allocated
// subscription id or an unsubscribe confirmation.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  any    `json:"result"`
}

// Error is the inner error object of a failure envelope.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the failure envelope. ID is null when the request
// could not even be parsed.
type ErrorResponse struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *uint64 `json:"id"`
	Error   Error   `json:"error"`
}

// NewResponse builds a success envelope echoing the request id.
func NewResponse(id uint64, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds a failure envelope. Pass a nil id for parse
// failures.
func NewError(id *uint64, code int64, message string) ErrorResponse {
	return ErrorResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   Error{Code: code, Message: message},
	}
}
