package sessions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time, inactivity time.Duration) (int64, error)
}
