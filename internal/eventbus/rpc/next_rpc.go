package rpc

import "encoding/json"

type NextRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewNextRpc() *NextRpc {
	return &NextRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  NextMethod,
		},
		Params: nil,
	}
}

func (r NextRpc) GetMethod() Method {
	return r.Method
}

func (r NextRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
