// Package identity implements the identity store on top of PostgreSQL:
// account creation, password sign-in, enumeration and email verification
// codes. Identity ids and verification flags held here are authoritative.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

const (
	DefaultPageSize = 500
	codeBytes       = 16
)

// Page is one step of EnumerateIdentities. An empty NextToken means the
// enumeration is complete.
type Page struct {
	Identities []*models.Identity
	NextToken  string
}

type Provider struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	mailer   Mailer
	clock    timex.Clock
	logger   logging.Logger
	codeTTL  time.Duration
	pageSize int
}

type Option func(*Provider)

func WithClock(c timex.Clock) Option     { return func(p *Provider) { p.clock = c } }
func WithCodeTTL(d time.Duration) Option { return func(p *Provider) { p.codeTTL = d } }
func WithPageSize(n int) Option          { return func(p *Provider) { p.pageSize = n } }
func WithLogger(l logging.Logger) Option { return func(p *Provider) { p.logger = l } }

func NewProvider(db *sql.DB, repos repomanager.RepositoryManager, mailer Mailer, opts ...Option) *Provider {
	p := &Provider{
		db:       db,
		repos:    repos,
		mailer:   mailer,
		clock:    timex.SystemClock{},
		logger:   logging.Nop(),
		codeTTL:  24 * time.Hour,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("module", "identity")
	return p
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateIdentity registers a new unverified identity. An address already in
// use yields common.ErrAlreadyExists.
func (p *Provider) CreateIdentity(ctx context.Context, email, password string) (*models.Identity, error) {
	salt := cryptox.NewSalt()
	ident := &models.Identity{
		Email:        normalize(email),
		PasswordSalt: salt,
		PasswordHash: cryptox.HashPassword([]byte(password), salt),
	}
	created, err := p.repos.Identities(p.db).Create(ctx, ident)
	if err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "identity created", "identity", created.ID)
	return created, nil
}

// SignIn checks credentials. Unknown addresses, wrong passwords and disabled
// identities are indistinguishable to the caller: all yield
// common.ErrorUnauthorized.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	repo := p.repos.Identities(p.db)

	ident, err := repo.GetByEmail(ctx, normalize(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// burn the same time a real check would take
			cryptox.HashPassword([]byte(password), cryptox.NewSalt())
			return nil, common.ErrorUnauthorized
		}
		return nil, err
	}

	if !cryptox.VerifyPassword([]byte(password), ident.PasswordSalt, ident.PasswordHash) || ident.Disabled {
		return nil, common.ErrorUnauthorized
	}

	now := p.clock.Now()
	if err := repo.UpdateLastSignIn(ctx, ident.ID, now); err != nil {
		p.logger.Warn(ctx, "updating last sign-in failed", "identity", ident.ID, "error", err.Error())
	} else {
		ident.LastSignInAt = &now
	}
	return ident, nil
}

func (p *Provider) DeleteIdentity(ctx context.Context, id string) error {
	if err := p.repos.Identities(p.db).Delete(ctx, id); err != nil {
		return err
	}
	p.logger.Info(ctx, "identity deleted", "identity", id)
	return nil
}

// ReloadIdentity reads the current state of id, or common.ErrorNotFound.
func (p *Provider) ReloadIdentity(ctx context.Context, id string) (*models.Identity, error) {
	return p.repos.Identities(p.db).GetByID(ctx, id)
}

// EnumerateIdentities returns the page after pageToken. Tokens are opaque
// to callers; pass "" to start.
func (p *Provider) EnumerateIdentities(ctx context.Context, pageToken string) (Page, error) {
	list, err := p.repos.Identities(p.db).List(ctx, pageToken, p.pageSize)
	if err != nil {
		return Page{}, err
	}
	page := Page{Identities: list}
	if len(list) == p.pageSize {
		page.NextToken = list[len(list)-1].ID
	}
	return page, nil
}

// SendVerificationEmail issues a fresh code for id and hands it to the
// mailer. Verified identities are skipped.
func (p *Provider) SendVerificationEmail(ctx context.Context, id string, reminder bool) error {
	repo := p.repos.Identities(p.db)

	ident, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ident.EmailVerified {
		return nil
	}

	code, err := common.MakeRandHexString(codeBytes)
	if err != nil {
		return fmt.Errorf("generating verification code: %w", err)
	}
	now := p.clock.Now()
	vc := &models.VerificationCode{Code: code, IdentityID: id, ExpiresAt: now.Add(p.codeTTL)}
	if err := repo.CreateCode(ctx, vc); err != nil {
		return err
	}

	if err := p.mailer.SendVerification(ctx, VerificationMail{
		IdentityID: id,
		Email:      ident.Email,
		Code:       code,
		ExpiresAt:  vc.ExpiresAt,
		Reminder:   reminder,
	}); err != nil {
		return err
	}

	if err := repo.MarkVerificationSent(ctx, id, now); err != nil {
		p.logger.Warn(ctx, "recording verification send failed", "identity", id, "error", err.Error())
	}
	return nil
}

// ApplyVerificationCode consumes code and marks its identity verified in one
// transaction. It returns the verified identity id. Unknown, used and
// expired codes yield a ValidationError.
func (p *Provider) ApplyVerificationCode(ctx context.Context, code string) (string, error) {
	var identityID string
	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := p.repos.Identities(tx)
		id, err := repo.ConsumeCode(ctx, code, p.clock.Now())
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return &common.ValidationError{Field: "code", Reason: "invalid or expired"}
			}
			return err
		}
		if err := repo.SetEmailVerified(ctx, id, true); err != nil {
			return err
		}
		identityID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	p.logger.Info(ctx, "email verified", "identity", identityID)
	return identityID, nil
}
