package profiles

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

type OpKind int

const (
	// OpSet replaces (or inserts) the whole document.
	OpSet OpKind = iota
	// OpUpdate sets the given fields on an existing document.
	OpUpdate
	// OpDelete removes the document.
	OpDelete
)

// Op is one element of a BulkWrite.
type Op struct {
	Kind    OpKind
	ID      string
	Profile *models.Profile
	Fields  map[string]any
}

// BulkResult counts what a BulkWrite committed.
type BulkResult struct {
	Matched  int64
	Upserted int64
	Modified int64
	Deleted  int64
}

// LegacyStats reports what NormalizeLegacyMembership found and rewrote.
type LegacyStats struct {
	Found      int
	Normalized int
	IDs        []string
}

type Repository interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	Set(ctx context.Context, p *models.Profile) error
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, afterID string, limit int) ([]*models.Profile, error)
	FindByEmail(ctx context.Context, email string) ([]*models.Profile, error)
	BulkWrite(ctx context.Context, ops []Op) (BulkResult, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	CountLegacy(ctx context.Context) (int64, error)
	NormalizeLegacyMembership(ctx context.Context, dryRun bool) (LegacyStats, error)
}
