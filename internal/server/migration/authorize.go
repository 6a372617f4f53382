package migration

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

// OperatorStores is what Authorize needs to look an operator up.
type OperatorStores interface {
	ReloadIdentity(ctx context.Context, id string) (*models.Identity, error)
}

type ProfileReader interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
}

// Authorize confirms that operator is an enabled identity whose profile
// has the admin role. It fails closed: every error, including a store
// failure, comes back as a *common.PermissionError.
func Authorize(ctx context.Context, identities OperatorStores, profiles ProfileReader, operator string) error {
	deny := func(reason string) error {
		return &common.PermissionError{Op: "authorize operator", Reason: reason}
	}

	if operator == "" {
		return deny("no operator given")
	}

	ident, err := identities.ReloadIdentity(ctx, operator)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return deny("unknown operator " + operator)
		}
		return deny("identity lookup failed: " + err.Error())
	}
	if ident.Disabled {
		return deny("operator " + operator + " is disabled")
	}

	p, err := profiles.Get(ctx, operator)
	if err != nil {
		return deny("profile lookup failed: " + err.Error())
	}
	if p.Role != models.RoleAdmin {
		return deny("operator " + operator + " is not an admin")
	}
	return nil
}
