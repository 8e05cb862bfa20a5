// Package scope resolves the set of companies a caller may reconcile.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fincaops/recon-engine/internal/domain"
)

// ErrNoCompany is returned when the caller has no company associated. This is
// a legitimate caller state, not a system failure.
var ErrNoCompany = errors.New("scope: caller has no company associated")

// CompanyDirectory is the narrow lookup interface onto the company
// administration subsystem, which is out of scope here.
type CompanyDirectory interface {
	// SubsidiaryIDs lists the companies belonging to a holding, the
	// holding company itself excluded.
	SubsidiaryIDs(ctx context.Context, holdingCompanyID string) ([]string, error)
}

// Resolver computes per-invocation reconciliation scopes. It performs pure
// lookups and has no side effects.
type Resolver struct {
	dir CompanyDirectory
	log zerolog.Logger
}

// NewResolver creates a scope resolver backed by the given directory.
func NewResolver(dir CompanyDirectory, log zerolog.Logger) *Resolver {
	return &Resolver{dir: dir, log: log}
}

// Resolve returns the immutable scope for the caller: the caller's own
// company, widened to all subsidiaries when the caller is a consolidated
// holding viewer.
func (r *Resolver) Resolve(ctx context.Context, caller domain.CallerIdentity) (domain.ReconciliationScope, error) {
	if caller.CompanyID == "" {
		return domain.ReconciliationScope{}, ErrNoCompany
	}

	if !caller.Consolidated {
		return domain.NewScope(caller.CompanyID, nil), nil
	}

	subs, err := r.dir.SubsidiaryIDs(ctx, caller.CompanyID)
	if err != nil {
		return domain.ReconciliationScope{}, fmt.Errorf("scope: listing subsidiaries of %s: %w", caller.CompanyID, err)
	}

	r.log.Debug().
		Str("user_id", caller.UserID).
		Str("company_id", caller.CompanyID).
		Int("subsidiaries", len(subs)).
		Msg("Resolved consolidated scope")

	return domain.NewScope(caller.CompanyID, subs), nil
}
