package archive

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus"
)

type MockStorer struct {
	lock     sync.Mutex
	sessions map[core.SessionID]*core.Session
	fail     error
}

func NewMockStorer() *MockStorer {
	return &MockStorer{sessions: make(map[core.SessionID]*core.Session)}
}

func (s *MockStorer) Create(session *core.Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.fail != nil {
		return s.fail
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MockStorer) End(id core.SessionID, endedAt time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return errors.New("not found")
	}
	session.EndedAt = &endedAt
	return nil
}

func (s *MockStorer) IncrementMessages(id core.SessionID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return errors.New("not found")
	}
	session.MessagesCount++
	return nil
}

func (s *MockStorer) FindByID(id core.SessionID) (*core.Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func eventBytes(t *testing.T, e eventbus.Event) []byte {
	data, err := e.ToJSON()
	require.Nil(t, err)
	return data
}

func TestDaemonHandle(t *testing.T) {
	storer := NewMockStorer()
	d := New(storer)

	session := core.NewSession("text", core.NewClientID(), core.NewClientID())

	assert.Nil(t, d.Handle(eventBytes(t, eventbus.NewEvent(eventbus.SessionCreated, session))))
	assert.Nil(t, d.Handle(eventBytes(t, eventbus.NewEvent(eventbus.MessageRelayed, session))))
	assert.Nil(t, d.Handle(eventBytes(t, eventbus.NewEvent(eventbus.MessageRelayed, session))))

	endedAt := time.Now().UTC().Truncate(time.Second)
	session.EndedAt = &endedAt
	assert.Nil(t, d.Handle(eventBytes(t, eventbus.NewEvent(eventbus.SessionEnded, session))))

	stored, err := storer.FindByID(session.ID)
	require.Nil(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.MessagesCount)
	require.NotNil(t, stored.EndedAt)
	assert.True(t, endedAt.Equal(*stored.EndedAt))
}

func TestDaemonHandleErrors(t *testing.T) {
	storer := NewMockStorer()
	d := New(storer)

	assert.NotNil(t, d.Handle([]byte("{")))
	assert.ErrorIs(t, d.Handle([]byte(`{"type":"unknown"}`)), eventbus.ErrUnknownEvent)

	storer.fail = errors.New("db is down")
	session := core.NewSession("text", core.NewClientID(), core.NewClientID())
	assert.ErrorIs(t, d.Handle(eventBytes(t, eventbus.NewEvent(eventbus.SessionCreated, session))), storer.fail)
}

func TestDaemonRunNats(t *testing.T) {
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.Nil(t, err)
	go srv.Start()
	defer srv.Shutdown()
	require.True(t, srv.ReadyForConnections(5*time.Second))

	storer := NewMockStorer()
	d := New(storer)
	require.Nil(t, d.Connect(srv.ClientURL()))

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	publisher, err := nats.Connect(srv.ClientURL())
	require.Nil(t, err)
	defer publisher.Close()

	session := core.NewSession("video", core.NewClientID(), core.NewClientID())
	data := eventBytes(t, eventbus.NewEvent(eventbus.SessionCreated, session))

	// the subscription is set up asynchronously by Run
	assert.Eventually(t, func() bool {
		if err := publisher.Publish(string(eventbus.SessionEvents), data); err != nil {
			return false
		}
		if err := publisher.Flush(); err != nil {
			return false
		}
		stored, err := storer.FindByID(session.ID)
		return err == nil && stored != nil
	}, 5*time.Second, 50*time.Millisecond)

	d.Stop()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
