package rpc

import "encoding/json"

type ErrorCode string

const (
	ErrorBadRequest   ErrorCode = "bad_request"
	ErrorSlowDown     ErrorCode = "slow_down"
	ErrorUnknownKind  ErrorCode = "unknown_kind"
	ErrorQueued       ErrorCode = "already_queued"
	ErrorNotInSession ErrorCode = "not_in_session"
	ErrorInvalidState ErrorCode = "invalid_state"
	ErrorNotConnected ErrorCode = "not_connected"
	ErrorInternal     ErrorCode = "internal"
)

type ErrorParams struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error notice. The connection stays open after it.
type ErrorRpc struct {
	jsonRpcHead
	Params ErrorParams `json:"params"`
}

func NewErrorRpc(code ErrorCode, message string) *ErrorRpc {
	return &ErrorRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ErrorMethod,
		},
		Params: ErrorParams{Code: code, Message: message},
	}
}

func (r ErrorRpc) GetMethod() Method {
	return r.Method
}

func (r ErrorRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
