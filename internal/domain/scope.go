package domain

// CallerIdentity is the authenticated principal on whose behalf a
// reconciliation operation runs.
type CallerIdentity struct {
	UserID string

	// CompanyID is the caller's own company, empty when the user has no
	// company associated.
	CompanyID string

	// Consolidated marks holding-group viewers whose scope spans all
	// subsidiary companies.
	Consolidated bool
}

// ReconciliationScope is the set of company IDs a batch run may read and
// mutate. It is computed once per invocation and never recomputed mid-batch,
// so a caller's permissions cannot change under a long-running operation.
type ReconciliationScope struct {
	companyIDs      []string
	companySet      map[string]struct{}
	activeCompanyID string
}

// NewScope builds an immutable scope. The active company is always part of
// the scoped set.
func NewScope(activeCompanyID string, companyIDs []string) ReconciliationScope {
	set := make(map[string]struct{}, len(companyIDs)+1)
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := set[id]; ok {
			return
		}
		set[id] = struct{}{}
		ids = append(ids, id)
	}
	add(activeCompanyID)
	for _, id := range companyIDs {
		add(id)
	}
	return ReconciliationScope{
		companyIDs:      ids,
		companySet:      set,
		activeCompanyID: activeCompanyID,
	}
}

// CompanyIDs returns a copy of the scoped company IDs, active company first.
func (s ReconciliationScope) CompanyIDs() []string {
	out := make([]string, len(s.companyIDs))
	copy(out, s.companyIDs)
	return out
}

// ActiveCompanyID is the company the caller is acting as.
func (s ReconciliationScope) ActiveCompanyID() string {
	return s.activeCompanyID
}

// Contains reports whether the company is visible in this scope.
func (s ReconciliationScope) Contains(companyID string) bool {
	_, ok := s.companySet[companyID]
	return ok
}

// Size is the number of companies in scope.
func (s ReconciliationScope) Size() int {
	return len(s.companyIDs)
}
