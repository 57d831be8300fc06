package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Session is the caller context a tool call is routed for.
	Session struct {
		ID    string
		Scope tenancy.Scope
		// SkillID selects the providers visible to the session. Empty means
		// every provider of the tenant.
		SkillID string
		// Embedded lists the AGENT-EMBEDDED providers hosted by the session's
		// own process.
		Embedded []string
	}

	// Catalog computes the tools visible to a session.
	Catalog struct {
		store store.Store
	}

	// Entry is a visible tool with its provider.
	Entry struct {
		Tool     *store.Tool
		Provider *store.ToolProvider
	}
)

// Hosts reports whether the session hosts the embedded provider.
func (s *Session) Hosts(providerID string) bool {
	return slices.Contains(s.Embedded, providerID)
}

// NewCatalog returns a Catalog reading from st.
func NewCatalog(st store.Store) *Catalog {
	return &Catalog{store: st}
}

// Providers returns the providers visible to sess: those selected by its
// skill, minus AGENT-EMBEDDED providers the session does not host. Providers
// hosted by the session come first.
func (c *Catalog) Providers(ctx context.Context, sess *Session) ([]*store.ToolProvider, error) {
	var allowed []string
	if sess.SkillID != "" {
		sk, err := c.store.GetSkill(ctx, sess.Scope.Tenant, sess.SkillID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, toolgate.Errorf(toolgate.MakeNotFound, "skill %q not found", sess.SkillID)
			}
			return nil, fmt.Errorf("load skill %q: %w", sess.SkillID, err)
		}
		allowed = sk.Providers
	}
	all, err := c.store.ListProviders(ctx, sess.Scope.Tenant)
	if err != nil {
		return nil, fmt.Errorf("list tool providers: %w", err)
	}
	var visible []*store.ToolProvider
	for _, p := range all {
		hosted := p.Target == store.TargetEmbedded && sess.Hosts(p.ID)
		if p.Target == store.TargetEmbedded && !hosted {
			continue
		}
		if len(allowed) > 0 && !slices.Contains(allowed, p.ID) && !hosted {
			continue
		}
		visible = append(visible, p)
	}
	sort.SliceStable(visible, func(i, j int) bool {
		hi, hj := sess.Hosts(visible[i].ID), sess.Hosts(visible[j].ID)
		if hi != hj {
			return hi
		}
		return visible[i].ID < visible[j].ID
	})
	return visible, nil
}

// Tools returns the ACTIVE tools visible to sess. When two providers expose
// the same name, the first provider in Providers order wins.
func (c *Catalog) Tools(ctx context.Context, sess *Session) ([]Entry, error) {
	providers, err := c.Providers(ctx, sess)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var entries []Entry
	for _, p := range providers {
		tools, err := c.store.ListTools(ctx, sess.Scope.Tenant, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list tools of provider %q: %w", p.ID, err)
		}
		for _, t := range tools {
			if t.Status != store.Active {
				continue
			}
			if _, dup := seen[t.Name]; dup {
				continue
			}
			seen[t.Name] = struct{}{}
			entries = append(entries, Entry{Tool: t, Provider: p})
		}
	}
	return entries, nil
}

// Lookup resolves name within the session's visible tools.
func (c *Catalog) Lookup(ctx context.Context, sess *Session, name string) (Entry, error) {
	entries, err := c.Tools(ctx, sess)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Tool.Name == name {
			return e, nil
		}
	}
	return Entry{}, toolgate.Errorf(toolgate.MakeNotFound, "tool %q not found", name)
}
