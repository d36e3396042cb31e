package ws

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/api"
	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus/rpc"
	"github.com/isqad/livelook-roulette/internal/ratelimit"
	"github.com/isqad/livelook-roulette/internal/relay"
)

const (
	wsClientIDKey    = "clientID"
	wsDisplayNameKey = "displayName"

	handleTimeout = 5 * time.Second
)

var errNoClientID = errors.New("websocket session has no client id")

// Lifecycle is the matchmaking core as seen from the transport
type Lifecycle interface {
	Connect(id core.ClientID, displayName string) error
	JoinQueue(ctx context.Context, id core.ClientID, kind core.Kind) error
	Relay(ctx context.Context, id core.ClientID, msg rpc.Rpc) (relay.Outcome, error)
	Ready(id core.ClientID) error
	Next(ctx context.Context, id core.ClientID) error
	Leave(id core.ClientID) error
	Disconnect(id core.ClientID) bool
}

func WsHandler(websocket *melody.Melody, limiter relay.Limiter, rule ratelimit.Rule, store sessions.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		allowed, _ := limiter.AllowAction(r.Context(), ratelimit.ActionConnect, ip, rule)
		if !allowed {
			log.Warn().Str("service", "websockets").Str("ip", ip).Msg("too many connections")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		keys := map[string]interface{}{
			wsClientIDKey:    core.NewClientID(),
			wsDisplayNameKey: api.DisplayNameFromRequest(store, r),
		}

		if err := websocket.HandleRequestWithKeys(w, r, keys); err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("can't handle request")
		}
	}
}

func ConnectHandler(hub *Hub, lifecycle Lifecycle) func(session *melody.Session) {
	return func(session *melody.Session) {
		id, err := clientIDFromSession(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("")
			closeWsSession(session)
			return
		}
		name, _ := session.Keys[wsDisplayNameKey].(string)

		hub.Add(id, session)
		if err := lifecycle.Connect(id, name); err != nil {
			log.Error().Err(err).Str("service", "websockets").Str("clientID", string(id)).Msg("can't connect client")
			hub.Remove(id)
			closeWsSession(session)
			return
		}

		log.Debug().Str("service", "websockets").Str("clientID", string(id)).Msg("connected")

		if err := hub.Deliver(id, rpc.NewIdleStatusRpc()); err != nil {
			log.Debug().Err(err).Str("service", "websockets").Str("clientID", string(id)).Msg("can't greet client")
		}
	}
}

func DisconnectHandler(hub *Hub, lifecycle Lifecycle) func(session *melody.Session) {
	return func(session *melody.Session) {
		id, err := clientIDFromSession(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("")
			return
		}

		// the client must be unreachable before its partner is notified and requeued
		hub.Remove(id)
		lifecycle.Disconnect(id)

		log.Debug().Str("service", "websockets").Str("clientID", string(id)).Msg("disconnected")
	}
}

func HandleMessage(hub *Hub, lifecycle Lifecycle) func(s *melody.Session, msg []byte) {
	return func(s *melody.Session, msg []byte) {
		id, err := clientIDFromSession(s)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("")
			closeWsSession(s)
			return
		}

		r, err := rpc.RpcFromReader(bytes.NewReader(msg))
		if err != nil {
			log.Debug().Err(err).Str("service", "websockets").Str("clientID", string(id)).Msg("bad rpc")
			reply(hub, id, rpc.NewErrorRpc(rpc.ErrorBadRequest, err.Error()))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()

		if err := dispatch(ctx, lifecycle, id, r); err != nil {
			log.Debug().Err(err).Str("service", "websockets").Str("clientID", string(id)).Str("method", string(r.GetMethod())).Msg("rejected")
			reply(hub, id, errorRpc(err))
		}
	}
}

func dispatch(ctx context.Context, lifecycle Lifecycle, id core.ClientID, r rpc.Rpc) error {
	switch msg := r.(type) {
	case *rpc.JoinRpc:
		return lifecycle.JoinQueue(ctx, id, msg.Params.Kind)
	case *rpc.MessageRpc, *rpc.SignalRpc:
		_, err := lifecycle.Relay(ctx, id, msg)
		return err
	case *rpc.ReadyRpc:
		return lifecycle.Ready(id)
	case *rpc.NextRpc:
		return lifecycle.Next(ctx, id)
	case *rpc.LeaveRpc:
		return lifecycle.Leave(id)
	default:
		return rpc.ErrUnknownRpcType
	}
}

func errorRpc(err error) *rpc.ErrorRpc {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		return rpc.NewErrorRpc(rpc.ErrorSlowDown, "slow down")
	case errors.Is(err, core.ErrAlreadyQueuedOrPaired):
		return rpc.NewErrorRpc(rpc.ErrorQueued, err.Error())
	case errors.Is(err, core.ErrUnknownKind):
		return rpc.NewErrorRpc(rpc.ErrorUnknownKind, err.Error())
	case errors.Is(err, core.ErrNotConnected):
		return rpc.NewErrorRpc(rpc.ErrorNotConnected, err.Error())
	case errors.Is(err, core.ErrNotInSession):
		return rpc.NewErrorRpc(rpc.ErrorNotInSession, "not in an active conversation")
	case errors.Is(err, core.ErrInvalidState):
		return rpc.NewErrorRpc(rpc.ErrorInvalidState, err.Error())
	case errors.Is(err, rpc.ErrUnknownRpcType), errors.Is(err, rpc.ErrMalformedRpc):
		return rpc.NewErrorRpc(rpc.ErrorBadRequest, err.Error())
	default:
		return rpc.NewErrorRpc(rpc.ErrorInternal, "internal error")
	}
}

func reply(hub *Hub, id core.ClientID, msg rpc.Rpc) {
	if err := hub.Deliver(id, msg); err != nil {
		log.Debug().Err(err).Str("service", "websockets").Str("clientID", string(id)).Msg("can't reply")
	}
}

func clientIDFromSession(session *melody.Session) (core.ClientID, error) {
	id, ok := session.Keys[wsClientIDKey].(core.ClientID)
	if !ok || id == "" {
		return "", errNoClientID
	}
	return id, nil
}

func closeWsSession(session *melody.Session) {
	if err := session.Close(); err != nil {
		log.Error().Err(err).Str("service", "websockets").Msg("close session")
	}
}

// remoteIP is the address set by the RealIP middleware without the port
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
