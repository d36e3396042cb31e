// Package eventbus mirrors session lifecycle events to an external broker.
//
// The mirror is write-only from the matchmaking point of view: nothing in the
// process reads the events back, and a broker outage never blocks pairing.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/isqad/livelook-roulette/internal/core"
)

// Channel is both the redis pub/sub channel and the NATS subject of mirrored events
type Channel string

const (
	SessionEvents Channel = "roulette.sessions"
	// ArchiveQueue is the NATS queue group shared by archiver instances
	ArchiveQueue = "roulette-archive"
)

type EventType string

const (
	SessionCreated EventType = "session_created"
	SessionEnded   EventType = "session_ended"
	MessageRelayed EventType = "message_relayed"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Event never carries message contents, only session metadata
type Event struct {
	Type    EventType    `json:"type"`
	Session core.Session `json:"session"`
	At      time.Time    `json:"at"`
}

func NewEvent(t EventType, session core.Session) Event {
	return Event{Type: t, Session: session, At: time.Now().UTC()}
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func EventFromBytes(data []byte) (Event, error) {
	e := Event{}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	switch e.Type {
	case SessionCreated, SessionEnded, MessageRelayed:
		return e, nil
	default:
		return e, ErrUnknownEvent
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

type RedisPublisher struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building a publisher based on redis pubsub
func RedisPubSub(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, string(SessionEvents), msg).Err()
}

func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.rdb.Subscribe(ctx, string(SessionEvents))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}

// Close is a no-op, the redis client is owned by the caller
func (p *RedisPublisher) Close() error {
	return nil
}

type NatsPublisher struct {
	nc *nats.Conn
}

func NatsConnect(addr string) (*NatsPublisher, error) {
	nc, err := nats.Connect(addr, nats.NoEcho(), nats.Name("roulette-mirror"))
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{nc: nc}, nil
}

func (p *NatsPublisher) Publish(_ context.Context, e Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}
	return p.nc.Publish(string(SessionEvents), msg)
}

func (p *NatsPublisher) Close() error {
	return p.nc.Drain()
}
