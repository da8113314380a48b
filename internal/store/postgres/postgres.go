// Package postgres implements the chat store on PostgreSQL. Rows are read
// and written with sqlx over lib/pq; the change feed is LISTEN/NOTIFY driven
// by the triggers installed by Migrate.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// Store is a sqlx-backed store.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InsertMessage writes one message row. The NOTIFY trigger announces it.
func (s *Store) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	const query = `
		INSERT INTO messages (content, "user", created_at)
		VALUES (:content, :user, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// ListMessages reads messages ordered by created_at, ties broken by id.
func (s *Store) ListMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := `SELECT id, content, "user", created_at FROM messages ORDER BY created_at ` + order + `, id ` + order

	var args []interface{}
	if q.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, q.Limit)
	}

	msgs := []model.Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return msgs, nil
}

// UpsertTyping inserts the typing row or overwrites it on username conflict.
func (s *Store) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO typing_status (username, is_typing, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (username)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, status.Username, status.IsTyping, status.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert typing: %w", err)
	}
	return nil
}

// UpdateTyping sets is_typing for username. A missing row is not an error.
func (s *Store) UpdateTyping(ctx context.Context, username string, isTyping bool) error {
	const query = `
		UPDATE typing_status
		SET is_typing = $2, updated_at = NOW()
		WHERE username = $1`

	if _, err := s.db.ExecContext(ctx, query, username, isTyping); err != nil {
		return fmt.Errorf("postgres: update typing: %w", err)
	}
	return nil
}

// ListTyping reads the rows with is_typing set.
func (s *Store) ListTyping(ctx context.Context) ([]model.TypingStatus, error) {
	const query = `
		SELECT username, is_typing, updated_at
		FROM typing_status
		WHERE is_typing
		ORDER BY username`

	rows := []model.TypingStatus{}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("postgres: list typing: %w", err)
	}
	return rows, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
