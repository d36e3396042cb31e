package rpc

import "encoding/json"

type ReadyRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewReadyRpc() *ReadyRpc {
	return &ReadyRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ReadyMethod,
		},
		Params: nil,
	}
}

func (r ReadyRpc) GetMethod() Method {
	return r.Method
}

func (r ReadyRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
