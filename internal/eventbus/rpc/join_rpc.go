package rpc

import (
	"encoding/json"

	"github.com/isqad/livelook-roulette/internal/core"
)

type JoinParams struct {
	Kind core.Kind `json:"kind"`
}

type JoinRpc struct {
	jsonRpcHead
	Params JoinParams `json:"params"`
}

func NewJoinRpc(kind core.Kind) *JoinRpc {
	return &JoinRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  JoinMethod,
		},
		Params: JoinParams{Kind: kind},
	}
}

func (r JoinRpc) GetMethod() Method {
	return r.Method
}

func (r JoinRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
