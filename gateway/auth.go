package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

// Credential headers and query parameters accepted on HTTP bindings. Query
// parameters exist for browser event streams, which cannot set headers.
const (
	HeaderWorkspaceKey = "X-Workspace-Key"
	HeaderSkillKey     = "X-Skill-Key"
	HeaderSkillName    = "X-Skill-Name"

	queryWorkspaceKey = "workspaceKey"
	querySkillKey     = "skillKey"
	querySkillName    = "skillName"
)

// Authenticator establishes sessions from presented credentials.
type Authenticator struct {
	guard  *tenancy.Guard
	skills store.Skills
	logger telemetry.Logger
}

// NewAuthenticator returns an Authenticator resolving keys with guard and
// skills with st.
func NewAuthenticator(guard *tenancy.Guard, st store.Skills, logger telemetry.Logger) *Authenticator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Authenticator{guard: guard, skills: st, logger: logger}
}

// Authenticate resolves creds to a new session on binding. A workspace key
// selects its skill by name, creating the skill on first use; a skill key
// selects the one skill it was issued for. Every failure is reported as the
// same generic rejection; the cause is only logged.
func (a *Authenticator) Authenticate(ctx context.Context, creds tenancy.Credentials, binding string) (*Session, error) {
	sess, err := a.authenticate(ctx, creds, binding)
	if err != nil {
		a.logger.Warn(ctx, "session rejected", "binding", binding, "err", err)
		return nil, toolgate.Errorf(toolgate.MakeAuthRejected, "rejected")
	}
	return sess, nil
}

func (a *Authenticator) authenticate(ctx context.Context, creds tenancy.Credentials, binding string) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	ident, err := a.guard.Resolve(ctx, creds.Key())
	if err != nil {
		return nil, err
	}
	switch {
	case creds.WorkspaceKey != "":
		if ident.Kind != tenancy.KindWorkspace {
			return nil, errors.New("workspace key expected")
		}
		sk, err := a.skills.CreateSkill(ctx, &store.Skill{Tenant: ident.Scope.Tenant, Name: creds.SkillName})
		if err != nil {
			return nil, err
		}
		return NewSession(ident.Scope, sk.ID, binding), nil
	default:
		if ident.Kind != tenancy.KindSkill {
			return nil, errors.New("skill key expected")
		}
		if _, err := a.skills.GetSkill(ctx, ident.Scope.Tenant, ident.SkillID); err != nil {
			return nil, err
		}
		return NewSession(ident.Scope, ident.SkillID, binding), nil
	}
}

// CredentialsFromRequest extracts session credentials from r. A bearer
// token is read as a skill key when it has the skill key prefix and as a
// workspace key otherwise.
func CredentialsFromRequest(r *http.Request) tenancy.Credentials {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(q.Get(param))
	}
	creds := tenancy.Credentials{
		WorkspaceKey: pick(HeaderWorkspaceKey, queryWorkspaceKey),
		SkillKey:     pick(HeaderSkillKey, querySkillKey),
		SkillName:    pick(HeaderSkillName, querySkillName),
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		bearer = strings.TrimSpace(bearer)
		switch {
		case strings.HasPrefix(bearer, tenancy.SkillKeyPrefix) && creds.SkillKey == "":
			creds.SkillKey = bearer
		case !strings.HasPrefix(bearer, tenancy.SkillKeyPrefix) && creds.WorkspaceKey == "":
			creds.WorkspaceKey = bearer
		}
	}
	return creds
}
