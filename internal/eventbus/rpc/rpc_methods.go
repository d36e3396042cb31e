package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	// client -> server
	JoinMethod  Method = "join"
	ReadyMethod Method = "ready"
	NextMethod  Method = "next"
	LeaveMethod Method = "leave"

	// both directions
	MessageMethod Method = "message"
	SignalMethod  Method = "signal"

	// server -> client
	StatusMethod Method = "status"
	ErrorMethod  Method = "error"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

// RpcFromReader decodes one RPC and validates its params
func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	if err := json.NewDecoder(reader).Decode(rpc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	if rpc.Version != jsonRpcVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformedRpc, rpc.Version)
	}

	switch rpc.Method {
	case JoinMethod:
		params := JoinParams{}
		if err := decodeParams(rpc.Params, &params); err != nil {
			return nil, err
		}
		if params.Kind == "" {
			return nil, fmt.Errorf("%w: join requires a kind", ErrMalformedRpc)
		}
		return NewJoinRpc(params.Kind), nil
	case MessageMethod:
		params := MessageParams{}
		if err := decodeParams(rpc.Params, &params); err != nil {
			return nil, err
		}
		if params.Text == "" {
			return nil, fmt.Errorf("%w: empty message", ErrMalformedRpc)
		}
		return NewMessageRpc(params.Text), nil
	case SignalMethod:
		params := SignalParams{}
		if err := decodeParams(rpc.Params, &params); err != nil {
			return nil, err
		}
		r := &SignalRpc{
			jsonRpcHead: jsonRpcHead{Version: jsonRpcVersion, Method: SignalMethod},
			Params:      params,
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return r, nil
	case StatusMethod:
		params := StatusParams{}
		if err := decodeParams(rpc.Params, &params); err != nil {
			return nil, err
		}
		return &StatusRpc{
			jsonRpcHead: jsonRpcHead{Version: jsonRpcVersion, Method: StatusMethod},
			Params:      params,
		}, nil
	case ErrorMethod:
		params := ErrorParams{}
		if err := decodeParams(rpc.Params, &params); err != nil {
			return nil, err
		}
		return NewErrorRpc(params.Code, params.Message), nil
	case ReadyMethod:
		return NewReadyRpc(), nil
	case NextMethod:
		return NewNextRpc(), nil
	case LeaveMethod:
		return NewLeaveRpc(), nil
	default:
		return nil, ErrUnknownRpcType
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing params", ErrMalformedRpc)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	return nil
}
