// Package identities provides the PostgreSQL-backed identity store: password
// credentials, verification flags and one-time verification codes.
package identities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

const identityColumns = `id, email, email_verified, password_hash, password_salt, created_at, last_sign_in_at, disabled, last_verification_sent_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	i := &models.Identity{}
	err := row.Scan(&i.ID, &i.Email, &i.EmailVerified, &i.PasswordHash, &i.PasswordSalt,
		&i.CreatedAt, &i.LastSignInAt, &i.Disabled, &i.LastVerificationSentAt)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	return fmt.Errorf("db error: %w", dbx.Remote(op, err))
}

// Create inserts identity. The ID is generated when empty; CreatedAt is
// filled from the database.
func (r *PostgresRepository) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO identities (id, email, email_verified, password_hash, password_salt)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		identity.ID, identity.Email, identity.EmailVerified, identity.PasswordHash, identity.PasswordSalt).
		Scan(&identity.CreatedAt)

	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", dbx.Remote("identities.create", err))
	}

	return identity, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`

	i, err := scanIdentity(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFoundOr("identities.get", err)
	}
	return i, nil
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE email = $1`

	i, err := scanIdentity(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return nil, notFoundOr("identities.get_by_email", err)
	}
	return i, nil
}

// Delete removes the identity; deleting a missing identity is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM identities WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote("identities.delete", err))
	}
	return nil
}

// List returns up to limit identities with id greater than afterID, ordered
// by id. An empty afterID starts from the beginning.
func (r *PostgresRepository) List(ctx context.Context, afterID string, limit int) ([]*models.Identity, error) {
	if afterID == "" {
		afterID = uuid.Nil.String()
	}

	query := `SELECT ` + identityColumns + ` FROM identities WHERE id > $1 ORDER BY id LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Remote("identities.list", err))
	}
	defer rows.Close()

	var out []*models.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Remote("identities.list", err))
	}
	return out, nil
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote(op, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateLastSignIn(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "identities.sign_in",
		`UPDATE identities SET last_sign_in_at = $2 WHERE id = $1`, id, at)
}

func (r *PostgresRepository) SetEmailVerified(ctx context.Context, id string, verified bool) error {
	return r.exec(ctx, "identities.set_verified",
		`UPDATE identities SET email_verified = $2 WHERE id = $1`, id, verified)
}

func (r *PostgresRepository) MarkVerificationSent(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "identities.mark_sent",
		`UPDATE identities SET last_verification_sent_at = $2 WHERE id = $1`, id, at)
}

func (r *PostgresRepository) CreateCode(ctx context.Context, code *models.VerificationCode) error {
	query :=
		`INSERT INTO verification_codes (code, identity_id, expires_at)
		 VALUES ($1, $2, $3)
		 `
	if _, err := r.db.ExecContext(ctx, query, code.Code, code.IdentityID, code.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", dbx.Remote("identities.create_code", err))
	}
	return nil
}

// ConsumeCode marks an unused, unexpired code as used and returns the
// identity it belongs to. Unknown, used and expired codes all yield
// common.ErrorNotFound.
func (r *PostgresRepository) ConsumeCode(ctx context.Context, code string, now time.Time) (string, error) {
	query :=
		`UPDATE verification_codes SET used_at = $2
		 WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		 RETURNING identity_id
		 `

	var identityID string
	if err := r.db.QueryRowContext(ctx, query, code, now).Scan(&identityID); err != nil {
		return "", notFoundOr("identities.consume_code", err)
	}
	return identityID, nil
}
