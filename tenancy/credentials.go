package tenancy

import (
	"errors"
	"strings"
)

// Key prefixes of the two credential kinds.
const (
	WorkspaceKeyPrefix = "WSK_"
	SkillKeyPrefix     = "SKL_"
)

// Environment variables carrying session credentials to `toolgate stdio`.
const (
	EnvWorkspaceKey = "WORKSPACE_KEY"
	EnvSkillName    = "SKILL_NAME"
	EnvSkillKey     = "SKILL_KEY"
)

// CredentialKind distinguishes workspace keys from skill keys.
type CredentialKind int

const (
	// KindWorkspace is a tenant-wide key. Agent sessions pair it with a skill
	// name; workers present it alone.
	KindWorkspace CredentialKind = iota + 1
	// KindSkill is bound to exactly one skill.
	KindSkill
)

func (k CredentialKind) String() string {
	switch k {
	case KindWorkspace:
		return "workspace"
	case KindSkill:
		return "skill"
	default:
		return "unknown"
	}
}

// Credentials are presented by an agent session.
type Credentials struct {
	WorkspaceKey string
	SkillKey     string
	SkillName    string
}

// Validate checks that exactly one key is present, that a workspace key
// names a skill and that a skill key does not.
func (c Credentials) Validate() error {
	hasWorkspace := c.WorkspaceKey != ""
	hasSkill := c.SkillKey != ""
	switch {
	case hasWorkspace && hasSkill:
		return errors.New("provide either a workspace key or a skill key, not both")
	case !hasWorkspace && !hasSkill:
		return errors.New("a workspace key or a skill key is required")
	case hasWorkspace && c.SkillName == "":
		return errors.New("a skill name is required with a workspace key")
	case hasSkill && c.SkillName != "":
		return errors.New("a skill name cannot be combined with a skill key")
	}
	return nil
}

// Key returns the key being presented.
func (c Credentials) Key() string {
	if c.SkillKey != "" {
		return c.SkillKey
	}
	return c.WorkspaceKey
}

// CredentialsFromEnv reads session credentials from lookup.
func CredentialsFromEnv(lookup func(string) (string, bool)) Credentials {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	return Credentials{
		WorkspaceKey: get(EnvWorkspaceKey),
		SkillKey:     get(EnvSkillKey),
		SkillName:    get(EnvSkillName),
	}
}
