// Package sessions provides a PostgreSQL-backed repository for persisted
// session records.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

// PostgresRepository implements session persistence over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, identity_id, fingerprint_hash, created_at, last_activity_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query,
		s.ID, s.IdentityID, s.FingerprintHash, s.CreatedAt, s.LastActivityAt, s.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote("sessions.create", err))
	}
	return nil
}

// Get returns the session with id, or common.ErrorNotFound.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, identity_id, fingerprint_hash, created_at, last_activity_at, expires_at
		FROM sessions
		WHERE id = $1
	`
	s := &models.Session{}
	if err := r.db.QueryRowContext(ctx, query, id).
		Scan(&s.ID, &s.IdentityID, &s.FingerprintHash, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Remote("sessions.get", err))
	}
	return s, nil
}

// Touch moves last_activity_at forward. A missing session yields
// common.ErrorNotFound.
func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE sessions SET last_activity_at = $2
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote("sessions.touch", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `
		DELETE FROM sessions
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote("sessions.delete", err))
	}
	return nil
}

// DeleteExpired removes sessions past their absolute expiry or idle for
// longer than inactivity, returning how many were removed.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time, inactivity time.Duration) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at <= $1 OR last_activity_at <= $2
	`
	res, err := r.db.ExecContext(ctx, query, now, now.Add(-inactivity))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Remote("sessions.delete_expired", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
