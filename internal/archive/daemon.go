// Package archive persists metadata of finished conversations out of the mirrored session events.
package archive

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus"
)

type Daemon struct {
	storer core.SessionsDBStorer

	nc  *nats.Conn
	sub *nats.Subscription

	errors chan error
	stop   chan struct{}
}

func New(storer core.SessionsDBStorer) *Daemon {
	return &Daemon{
		storer: storer,
		errors: make(chan error, 64),
		stop:   make(chan struct{}),
	}
}

// Connect attaches the daemon to the NATS server at natsAddr
func (d *Daemon) Connect(natsAddr string) error {
	nc, err := nats.Connect(natsAddr, nats.NoEcho(), nats.Name("roulette-archiver"))
	if err != nil {
		return err
	}
	d.nc = nc
	return nil
}

// Run consumes the NATS subject in the archive queue group. Several archivers
// share the load, every event is handled once.
func (d *Daemon) Run() error {
	if d.nc == nil {
		return fmt.Errorf("archive daemon is not connected to nats")
	}

	log.Info().Str("service", "archive").Msg("start archive daemon")

	var err error
	d.sub, err = d.nc.QueueSubscribe(string(eventbus.SessionEvents), eventbus.ArchiveQueue, func(msg *nats.Msg) {
		d.report(d.Handle(msg.Data))
	})
	if err != nil {
		return err
	}

	return d.loop(func() error {
		log.Info().Str("service", "archive").Msg("stop archive daemon")

		if err := d.sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Str("service", "archive").Msg("can't unsubscribe")
		}
		return d.nc.Drain()
	})
}

// RunRedis consumes the redis pub/sub channel of the mirror until ctx is done or Stop is called.
// Pub/sub has no queue groups, so only one archiver should run in this mode.
func (d *Daemon) RunRedis(ctx context.Context, sub *eventbus.Subscription) error {
	log.Info().Str("service", "archive").Msg("start archive daemon on redis")

	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				d.report(d.Handle([]byte(msg.Payload)))
			case <-ctx.Done():
				d.Stop()
				return
			case <-d.stop:
				return
			}
		}
	}()

	return d.loop(sub.Close)
}

// Stop makes Run return. It is safe to call more than once.
func (d *Daemon) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

func (d *Daemon) loop(shutdown func() error) error {
	for {
		select {
		case err := <-d.errors:
			log.Error().Err(err).Str("service", "archive").Msg("")
		case <-d.stop:
			return shutdown()
		}
	}
}

func (d *Daemon) report(err error) {
	if err == nil {
		return
	}
	select {
	case d.errors <- err:
	default:
		log.Error().Err(err).Str("service", "archive").Msg("error queue is full")
	}
}

// Handle applies one mirrored event to the storage
func (d *Daemon) Handle(data []byte) error {
	e, err := eventbus.EventFromBytes(data)
	if err != nil {
		return fmt.Errorf("archive error: %w, payload: %s", err, string(data))
	}

	log.Debug().Str("service", "archive").Str("type", string(e.Type)).Str("sessionID", string(e.Session.ID)).Msg("received event")

	switch e.Type {
	case eventbus.SessionCreated:
		session := e.Session
		err = d.storer.Create(&session)
	case eventbus.SessionEnded:
		endedAt := e.At
		if e.Session.EndedAt != nil {
			endedAt = *e.Session.EndedAt
		}
		err = d.storer.End(e.Session.ID, endedAt)
	case eventbus.MessageRelayed:
		err = d.storer.IncrementMessages(e.Session.ID)
	}
	if err != nil {
		return fmt.Errorf("can't archive %s of session %s: %w", e.Type, e.Session.ID, err)
	}
	return nil
}
