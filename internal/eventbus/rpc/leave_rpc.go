package rpc

import "encoding/json"

type LeaveRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewLeaveRpc() *LeaveRpc {
	return &LeaveRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  LeaveMethod,
		},
		Params: nil,
	}
}

func (r LeaveRpc) GetMethod() Method {
	return r.Method
}

func (r LeaveRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
