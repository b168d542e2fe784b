package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/baas-console/internal/auth"
)

// Store persists the single local session. Several processes may share
// one store; the revision tells each of them when another one wrote.
type Store interface {
	// Load returns the persisted session, or nil when none is stored.
	Load(ctx context.Context) (*auth.Session, error)

	// Save and Clear return the revision their write produced.
	Save(ctx context.Context, s *auth.Session) (int64, error)
	Clear(ctx context.Context) (int64, error)

	// Revision changes on every Save or Clear, whoever made it.
	Revision(ctx context.Context) (int64, error)
}

// SQLiteStore keeps the session in the auth_session table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*auth.Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT session FROM auth_session WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var sess auth.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decoding stored session: %w", err)
	}
	return &sess, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sess *auth.Session) (int64, error) {
	if sess == nil {
		return s.Clear(ctx)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return 0, fmt.Errorf("encoding session: %w", err)
	}
	userID := ""
	if sess.User != nil {
		userID = sess.User.ID
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auth_session (id, user_id, session, expires_at, updated_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				session = excluded.session,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
			userID, string(raw), sess.ExpiresAt, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
		return nil
	})
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) (int64, error) {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM auth_session"); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		return nil
	})
}

// Revision implements Store.
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, "SELECT revision FROM auth_session_revision WHERE id = 1").Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("reading session revision: %w", err)
	}
	return rev, nil
}

// write runs fn and bumps the revision in one transaction.
func (s *SQLiteStore) write(ctx context.Context, fn func(*sql.Tx) error) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return 0, err
	}
	var rev int64
	err = tx.QueryRowContext(ctx,
		"UPDATE auth_session_revision SET revision = revision + 1 WHERE id = 1 RETURNING revision").Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("bumping session revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session: %w", err)
	}
	return rev, nil
}

// MemoryStore is a Store that keeps the session in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	sess *auth.Session
	rev  int64
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *auth.Session) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = s.Clone()
	m.rev++
	return m.rev, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	m.rev++
	return m.rev, nil
}

// Revision implements Store.
func (m *MemoryStore) Revision(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev, nil
}
