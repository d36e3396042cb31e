package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

type SignalParams struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebRTC signaling between the two members of a session
type SignalRpc struct {
	jsonRpcHead
	Params SignalParams `json:"params"`
}

func NewSDPSignalRpc(sdp webrtc.SessionDescription) (*SignalRpc, error) {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return nil, err
	}
	return newSignalRpc(SignalType(sdp.Type.String()), payload), nil
}

func NewICECandidateSignalRpc(candidate webrtc.ICECandidateInit) (*SignalRpc, error) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	return newSignalRpc(SignalCandidate, payload), nil
}

func newSignalRpc(t SignalType, payload json.RawMessage) *SignalRpc {
	return &SignalRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SignalMethod,
		},
		Params: SignalParams{Type: t, Payload: payload},
	}
}

// Validate checks that the payload has the shape its type promises
func (r SignalRpc) Validate() error {
	payload := bytes.TrimSpace(r.Params.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: empty signal payload", ErrMalformedRpc)
	}

	switch r.Params.Type {
	case SignalOffer, SignalAnswer:
		sdp, err := r.SessionDescription()
		if err != nil {
			return err
		}
		if sdp.SDP == "" || sdp.Type.String() != string(r.Params.Type) {
			return fmt.Errorf("%w: %s does not carry a matching session description", ErrMalformedRpc, r.Params.Type)
		}
	case SignalCandidate:
		if _, err := r.ICECandidate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown signal type %q", ErrMalformedRpc, r.Params.Type)
	}
	return nil
}

// IsSessionDescription reports whether the signal is an offer or an answer
func (r SignalRpc) IsSessionDescription() bool {
	return r.Params.Type == SignalOffer || r.Params.Type == SignalAnswer
}

func (r SignalRpc) SessionDescription() (webrtc.SessionDescription, error) {
	sdp := webrtc.SessionDescription{}
	if err := json.Unmarshal(r.Params.Payload, &sdp); err != nil {
		return sdp, fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	return sdp, nil
}

func (r SignalRpc) ICECandidate() (webrtc.ICECandidateInit, error) {
	c := webrtc.ICECandidateInit{}
	if err := json.Unmarshal(r.Params.Payload, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	return c, nil
}

func (r SignalRpc) GetMethod() Method {
	return r.Method
}

func (r SignalRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
