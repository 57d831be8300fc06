package store

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

var toolNamespace = uuid.MustParse("5c3e0f7a-8d3b-4a52-9a57-3f0f2b7c9e11")

// ToolID derives the stable ID of a tool from its tenant, provider and name,
// so that concurrent reconciliations of the same provider converge on the
// same records.
func ToolID(tenant, providerID, name string) string {
	return uuid.NewSHA1(toolNamespace, []byte(tenant+"\x00"+providerID+"\x00"+name)).String()
}

// Reconcile computes the tool records to write so that the ACTIVE tools of a
// provider are exactly discovered. Known tools keep their ID. The returned
// slice holds only records that changed.
func Reconcile(existing, discovered []*Tool, now time.Time) ([]*Tool, Reconciliation) {
	var rec Reconciliation
	byName := make(map[string]*Tool, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}
	seen := make(map[string]struct{}, len(discovered))
	var changed []*Tool
	for _, d := range discovered {
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = struct{}{}
		cur, ok := byName[d.Name]
		if !ok {
			t := *d
			if t.ID == "" {
				t.ID = ToolID(t.Tenant, t.ProviderID, t.Name)
			}
			t.Status = Active
			t.UpdatedAt = now
			changed = append(changed, &t)
			rec.Added = append(rec.Added, t.Name)
			continue
		}
		reactivated := cur.Status != Active
		if !reactivated && sameDefinition(cur, d) {
			continue
		}
		t := *cur
		t.Description = d.Description
		t.InputSchema = d.InputSchema
		t.Annotations = d.Annotations
		t.Status = Active
		t.UpdatedAt = now
		changed = append(changed, &t)
		if reactivated {
			rec.Reactivated = append(rec.Reactivated, t.Name)
		}
	}
	for _, t := range existing {
		if _, ok := seen[t.Name]; ok || t.Status == Inactive {
			continue
		}
		u := *t
		u.Status = Inactive
		u.UpdatedAt = now
		changed = append(changed, &u)
		rec.Deactivated = append(rec.Deactivated, u.Name)
	}
	return changed, rec
}

func sameDefinition(a, b *Tool) bool {
	return a.Description == b.Description &&
		bytes.Equal(a.InputSchema, b.InputSchema) &&
		bytes.Equal(a.Annotations, b.Annotations)
}

// Claim returns copies of discovered bound to tenant and providerID.
func Claim(tenant, providerID string, discovered []*Tool) []*Tool {
	out := make([]*Tool, 0, len(discovered))
	for _, d := range discovered {
		t := *d
		t.Tenant = tenant
		t.ProviderID = providerID
		out = append(out, &t)
	}
	return out
}
