package identities

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, identity *models.Identity) (*models.Identity, error)
	GetByID(ctx context.Context, id string) (*models.Identity, error)
	GetByEmail(ctx context.Context, email string) (*models.Identity, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, afterID string, limit int) ([]*models.Identity, error)
	UpdateLastSignIn(ctx context.Context, id string, at time.Time) error
	SetEmailVerified(ctx context.Context, id string, verified bool) error
	MarkVerificationSent(ctx context.Context, id string, at time.Time) error
	CreateCode(ctx context.Context, code *models.VerificationCode) error
	ConsumeCode(ctx context.Context, code string, now time.Time) (string, error)
}
