// Package tenancy resolves workspace credentials to a tenant scope and derives
// every bus subject and cache key from that scope. Tokens are escaped before
// they are joined so that no tenant, runtime, session or call identifier can
// produce an address belonging to another one.
package tenancy

import (
	"errors"
	"strings"
)

// Scope is the isolation boundary of one workspace.
type Scope struct {
	Tenant string
}

// ControlSubject carries registry control messages from workers. It is the
// only subject not partitioned by tenant; every message on it carries a
// credential that is resolved before the message is acted on.
const ControlSubject = "registry:control"

const sep = ":"

var (
	escaper   = strings.NewReplacer("%", "%25", ":", "%3A", "*", "%2A", " ", "%20")
	unescaper = strings.NewReplacer("%25", "%", "%3A", ":", "%2A", "*", "%20", " ")

	errEmptyTenant = errors.New("empty tenant scope")
)

// NewScope returns the scope of tenant.
func NewScope(tenant string) (Scope, error) {
	if tenant == "" {
		return Scope{}, errEmptyTenant
	}
	return Scope{Tenant: tenant}, nil
}

// IsZero reports whether s is the zero scope.
func (s Scope) IsZero() bool { return s.Tenant == "" }

// RuntimeCallSubject is where a runtime receives tool calls.
func (s Scope) RuntimeCallSubject(runtimeID string) string {
	return s.subject("runtime", runtimeID, "call")
}

// RuntimeDiscoverySubject is where a runtime answers tool inventory requests.
func (s Scope) RuntimeDiscoverySubject(runtimeID string) string {
	return s.subject("runtime", runtimeID, "tools")
}

// SessionCallSubject is where the agent-embedded providers of one session
// receive tool calls.
func (s Scope) SessionCallSubject(sessionID string) string {
	return s.subject("session", sessionID, "call")
}

// SessionInboxSubject carries client messages for a session to the gateway
// instance that owns its event stream.
func (s Scope) SessionInboxSubject(sessionID string) string {
	return s.subject("session", sessionID, "inbox")
}

// CallReplySubject is where the reply for one tool call is published.
func (s Scope) CallReplySubject(callID string) string {
	return s.subject("call", callID, "reply")
}

// CacheKey returns the key of parts inside bucket for this tenant.
func (s Scope) CacheKey(bucket string, parts ...string) string {
	tokens := make([]string, 0, len(parts)+2)
	tokens = append(tokens, Escape(bucket), Escape(s.Tenant))
	for _, p := range parts {
		tokens = append(tokens, Escape(p))
	}
	return strings.Join(tokens, sep)
}

// CachePrefix returns the prefix shared by all keys of bucket for this
// tenant, suitable for prefix scans.
func (s Scope) CachePrefix(bucket string) string {
	return Escape(bucket) + sep + Escape(s.Tenant) + sep
}

func (s Scope) subject(kind, id, verb string) string {
	return strings.Join([]string{"t", Escape(s.Tenant), kind, Escape(id), verb}, sep)
}

// Escape makes token safe to embed in a subject or key.
func Escape(token string) string { return escaper.Replace(token) }

// Unescape reverses Escape.
func Unescape(token string) string { return unescaper.Replace(token) }

// SplitKey splits a cache key built by CacheKey into its unescaped tokens.
func SplitKey(key string) []string {
	tokens := strings.Split(key, sep)
	for i, t := range tokens {
		tokens[i] = Unescape(t)
	}
	return tokens
}
