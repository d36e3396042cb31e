package rpc

import "encoding/json"

type MessageParams struct {
	Text string `json:"text"`
}

// Chat message. The server never looks inside Text.
type MessageRpc struct {
	jsonRpcHead
	Params MessageParams `json:"params"`
}

func NewMessageRpc(text string) *MessageRpc {
	return &MessageRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  MessageMethod,
		},
		Params: MessageParams{Text: text},
	}
}

func (r MessageRpc) GetMethod() Method {
	return r.Method
}

func (r MessageRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
