package core

import (
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	sessionsPageDefault    int = 1
	sessionsPerPageDefault int = 50
)

// SessionsDBStorer archives metadata of sessions. Message contents are never stored.
type SessionsDBStorer interface {
	Create(session *Session) error
	End(id SessionID, endedAt time.Time) error
	IncrementMessages(id SessionID) error
	FindByID(id SessionID) (*Session, error)
}

type SessionsArchive struct {
	Sessions   []*Session `json:"sessions"`
	TotalPages int        `json:"total_pages"`
}

type SessionsRepository struct {
	db *sqlx.DB
}

func NewSessionsRepository(db *sqlx.DB) *SessionsRepository {
	return &SessionsRepository{
		db: db,
	}
}

func (r *SessionsRepository) Create(session *Session) error {
	_, err := r.db.Exec(
		`INSERT INTO sessions
			(id, kind, member_a, member_b, created_at, messages_count)
		VALUES ($1, $2, $3, $4, $5, 0) ON CONFLICT (id) DO NOTHING`,
		string(session.ID),
		string(session.Kind),
		string(session.MemberA),
		string(session.MemberB),
		session.CreatedAt,
	)
	return err
}

func (r *SessionsRepository) End(id SessionID, endedAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE sessions SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		endedAt,
		string(id),
	)
	return err
}

func (r *SessionsRepository) IncrementMessages(id SessionID) error {
	_, err := r.db.Exec(
		`UPDATE sessions SET messages_count = messages_count + 1 WHERE id = $1`,
		string(id),
	)
	return err
}

// FindByID returns nil without an error when the session is unknown
func (r *SessionsRepository) FindByID(id SessionID) (*Session, error) {
	session := &Session{}

	err := r.db.Get(session,
		`SELECT
			id,
			kind,
			member_a,
			member_b,
			created_at,
			ended_at,
			messages_count
		FROM sessions
		WHERE id = $1 LIMIT 1`,
		string(id),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (r *SessionsRepository) GetAll(page int, perPage int) (*SessionsArchive, error) {
	if page == 0 {
		page = sessionsPageDefault
	}
	if perPage == 0 {
		perPage = sessionsPerPageDefault
	}

	archive := &SessionsArchive{}

	var total int
	if err := r.db.Get(&total, `SELECT COUNT(*) FROM sessions`); err != nil {
		return nil, err
	}
	archive.TotalPages = int(math.Ceil(float64(total) / float64(perPage)))

	sessions := []*Session{}
	err := r.db.Select(&sessions,
		`SELECT
			id,
			kind,
			member_a,
			member_b,
			created_at,
			ended_at,
			messages_count
		FROM sessions
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, err
	}
	archive.Sessions = sessions

	return archive, nil
}
