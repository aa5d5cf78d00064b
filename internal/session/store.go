// Package session provides PostgreSQL-backed storage for call sessions.
// Each matched pair is recorded as two rows sharing one session id, one row
// per participant, so per-user history and the one-active-session-per-user
// rule live in the storage layer. The package also owns schema migrations
// for the service database (sessions and abuse_reports).
package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver
)

// Role constants stored on each session row. The initiator side creates the
// WebRTC offer, the receiver answers.
const (
	RoleInitiator = "initiator"
	RoleReceiver  = "receiver"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Session is one participant's view of a call session.
type Session struct {
	ID        string
	UserID    string
	PartnerID string
	Role      string // initiator | receiver
	Mood      string
	IsActive  bool
	CreatedAt time.Time
	EndedAt   *time.Time // nil while the call is active
}

// Store manages call sessions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("session: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies pending schema migrations. Safe to run on every start.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("session: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("session: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("session: init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("session: apply migrations: %w", err)
	}
	return nil
}

// CreatePair records a new session for a matched pair in one transaction:
// two rows sharing the session id, one per participant. The partial unique
// index on active sessions makes the whole insert fail if either user still
// holds an active session, leaving the database untouched.
func (s *Store) CreatePair(ctx context.Context, sessionID, mood, initiatorID, receiverID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO sessions (id, user_id, partner_id, role, mood)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := tx.ExecContext(ctx, insert, sessionID, initiatorID, receiverID, RoleInitiator, mood); err != nil {
		return fmt.Errorf("session: insert initiator row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, sessionID, receiverID, initiatorID, RoleReceiver, mood); err != nil {
		return fmt.Errorf("session: insert receiver row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

// End deactivates both rows of a session and stamps ended_at. Returns true
// if the session was still active, false if it had already ended, so
// concurrent End calls settle on exactly one winner.
func (s *Store) End(ctx context.Context, sessionID string) (bool, error) {
	const query = `
		UPDATE sessions
		SET is_active = FALSE, ended_at = NOW()
		WHERE id = $1 AND is_active`

	res, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: end: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: end rows affected: %w", err)
	}
	return n > 0, nil
}

// Get retrieves one participant's row of a session. Returns nil if the user
// has no row under that session id.
func (s *Store) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	const query = `
		SELECT id, user_id, partner_id, role, mood, is_active, created_at, ended_at
		FROM sessions
		WHERE id = $1 AND user_id = $2`

	return scanSession(s.db.QueryRowContext(ctx, query, sessionID, userID))
}

// ActiveByUser returns the user's active session row, or nil when the user
// is not in a call.
func (s *Store) ActiveByUser(ctx context.Context, userID string) (*Session, error) {
	const query = `
		SELECT id, user_id, partner_id, role, mood, is_active, created_at, ended_at
		FROM sessions
		WHERE user_id = $1 AND is_active`

	return scanSession(s.db.QueryRowContext(ctx, query, userID))
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.PartnerID, &sess.Role,
		&sess.Mood, &sess.IsActive, &sess.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}
