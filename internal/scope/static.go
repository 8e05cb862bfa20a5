package scope

import "context"

// StaticDirectory is a CompanyDirectory backed by a fixed holding-to-
// subsidiaries map, typically loaded from configuration.
type StaticDirectory map[string][]string

// SubsidiaryIDs implements CompanyDirectory.
func (d StaticDirectory) SubsidiaryIDs(ctx context.Context, holdingCompanyID string) ([]string, error) {
	subs := d[holdingCompanyID]
	out := make([]string, len(subs))
	copy(out, subs)
	return out, nil
}
