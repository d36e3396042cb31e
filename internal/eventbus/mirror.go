package eventbus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/telemetry"
)

const (
	DefaultMirrorBuffer = 1024
	publishTimeout      = 2 * time.Second
)

// Mirror publishes events from a bounded queue in the background.
// Emit never blocks: when the queue is full the event is dropped.
type Mirror struct {
	publisher Publisher
	events    chan Event
	done      chan struct{}
}

func NewMirror(publisher Publisher, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = DefaultMirrorBuffer
	}
	return &Mirror{
		publisher: publisher,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

func (m *Mirror) Emit(e Event) {
	select {
	case m.events <- e:
	default:
		telemetry.MirrorDropped.Inc()
		log.Warn().Str("service", "mirror").Str("type", string(e.Type)).Str("sessionID", string(e.Session.ID)).Msg("queue is full, event dropped")
	}
}

// Run publishes queued events until ctx is done, then flushes what is left
func (m *Mirror) Run(ctx context.Context) {
	defer close(m.done)

	log.Debug().Str("service", "mirror").Msg("start")

	for {
		select {
		case e := <-m.events:
			m.publish(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-m.events:
					m.publish(e)
				default:
					log.Debug().Str("service", "mirror").Msg("stop")
					return
				}
			}
		}
	}
}

// Done is closed when Run returns
func (m *Mirror) Done() <-chan struct{} {
	return m.done
}

func (m *Mirror) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := m.publisher.Publish(ctx, e); err != nil {
		log.Error().Err(err).Str("service", "mirror").Str("type", string(e.Type)).Msg("publish failed")
	}
}

// Discard drops every event. It stands in for the mirror when no broker is configured.
type Discard struct{}

func (Discard) Emit(Event) {}
