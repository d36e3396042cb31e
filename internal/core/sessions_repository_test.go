package core

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
)

func newMockRepository(t *testing.T) (*SessionsRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	sqlxDb := sqlx.NewDb(db, "sqlmock")

	return NewSessionsRepository(sqlxDb), mock, func() { sqlxDb.Close() }
}

func TestSessionsRepositoryCreate(t *testing.T) {
	repo, mock, closeDb := newMockRepository(t)
	defer closeDb()

	session := NewSession("text", "client-a", "client-b")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).
		WithArgs(string(session.ID), "text", "client-a", "client-b", session.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.Nil(t, repo.Create(&session))
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSessionsRepositoryEnd(t *testing.T) {
	repo, mock, closeDb := newMockRepository(t)
	defer closeDb()

	endedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`)).
		WithArgs(endedAt, "session-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.Nil(t, repo.End("session-1", endedAt))
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSessionsRepositoryIncrementMessages(t *testing.T) {
	repo, mock, closeDb := newMockRepository(t)
	defer closeDb()

	t.Run("increments the counter", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET messages_count = messages_count + 1`)).
			WithArgs("session-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.Nil(t, repo.IncrementMessages("session-1"))
	})

	t.Run("returns database errors", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET messages_count`)).
			WithArgs("session-2").
			WillReturnError(errors.New("Boom!"))

		assert.NotNil(t, repo.IncrementMessages("session-2"))
	})

	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSessionsRepositoryFindByID(t *testing.T) {
	repo, mock, closeDb := newMockRepository(t)
	defer closeDb()

	createdAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "kind", "member_a", "member_b", "created_at", "ended_at", "messages_count"}).
			AddRow("session-1", "video", "a", "b", createdAt, nil, 3)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions`)).WithArgs("session-1").WillReturnRows(rows)

		session, err := repo.FindByID("session-1")
		assert.Nil(t, err)
		assert.NotNil(t, session)
		assert.Equal(t, SessionID("session-1"), session.ID)
		assert.Equal(t, Kind("video"), session.Kind)
		assert.Equal(t, 3, session.MessagesCount)
		assert.Nil(t, session.EndedAt)
	})

	t.Run("not found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "kind", "member_a", "member_b", "created_at", "ended_at", "messages_count"})
		mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions`)).WithArgs("missing").WillReturnRows(rows)

		session, err := repo.FindByID("missing")
		assert.Nil(t, err)
		assert.Nil(t, session)
	})

	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSessionsRepositoryGetAll(t *testing.T) {
	repo, mock, closeDb := newMockRepository(t)
	defer closeDb()

	createdAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM sessions`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(51))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC LIMIT $1 OFFSET $2`)).
		WithArgs(sessionsPerPageDefault, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "member_a", "member_b", "created_at", "ended_at", "messages_count"}).
			AddRow("session-1", "text", "a", "b", createdAt, createdAt, 0))

	archive, err := repo.GetAll(0, 0)
	assert.Nil(t, err)
	assert.Equal(t, 2, archive.TotalPages)
	assert.Len(t, archive.Sessions, 1)
	assert.NotNil(t, archive.Sessions[0].EndedAt)
}
