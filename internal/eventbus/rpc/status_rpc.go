package rpc

import (
	"encoding/json"
	"time"

	"github.com/isqad/livelook-roulette/internal/core"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusWaiting     Status = "waiting"
	StatusPaired      Status = "paired"
	StatusPartnerLeft Status = "partnerLeft"
)

type StatusParams struct {
	Status Status    `json:"status"`
	Kind   core.Kind `json:"kind,omitempty"`
	// Waiting is the number of clients waiting in the kind, self included
	Waiting int `json:"waiting,omitempty"`
	// Since is the start of the current wait
	Since     *time.Time     `json:"since,omitempty"`
	SessionID core.SessionID `json:"session_id,omitempty"`
	Partner   string         `json:"partner,omitempty"`
	// Initiator tells the member that makes the WebRTC offer
	Initiator bool `json:"initiator,omitempty"`
}

// Lifecycle status of a client
type StatusRpc struct {
	jsonRpcHead
	Params StatusParams `json:"params"`
}

func NewStatusRpc(params StatusParams) *StatusRpc {
	return &StatusRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StatusMethod,
		},
		Params: params,
	}
}

func NewIdleStatusRpc() *StatusRpc {
	return NewStatusRpc(StatusParams{Status: StatusIdle})
}

func NewWaitingStatusRpc(kind core.Kind, waiting int, since time.Time) *StatusRpc {
	params := StatusParams{Status: StatusWaiting, Kind: kind, Waiting: waiting}
	if !since.IsZero() {
		params.Since = &since
	}
	return NewStatusRpc(params)
}

func NewPairedStatusRpc(session core.Session, partner string, initiator bool) *StatusRpc {
	return NewStatusRpc(StatusParams{
		Status:    StatusPaired,
		Kind:      session.Kind,
		SessionID: session.ID,
		Partner:   partner,
		Initiator: initiator,
	})
}

func NewPartnerLeftStatusRpc(session core.Session) *StatusRpc {
	return NewStatusRpc(StatusParams{
		Status:    StatusPartnerLeft,
		Kind:      session.Kind,
		SessionID: session.ID,
	})
}

func (r StatusRpc) GetMethod() Method {
	return r.Method
}

func (r StatusRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
