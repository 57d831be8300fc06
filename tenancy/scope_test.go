package tenancy

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	s, err := NewScope("acme")
	require.NoError(t, err)
	assert.Equal(t, "t:acme:runtime:r1:call", s.RuntimeCallSubject("r1"))
	assert.Equal(t, "t:acme:runtime:r1:tools", s.RuntimeDiscoverySubject("r1"))
	assert.Equal(t, "t:acme:session:s1:call", s.SessionCallSubject("s1"))
	assert.Equal(t, "t:acme:session:s1:inbox", s.SessionInboxSubject("s1"))
	assert.Equal(t, "t:acme:call:c1:reply", s.CallReplySubject("c1"))
	assert.Equal(t, "ratelimit:acme:1.2.3.4:/mcp", s.CacheKey("ratelimit", "1.2.3.4", "/mcp"))
	assert.Equal(t, "ratelimit:acme:", s.CachePrefix("ratelimit"))
	assert.Equal(t, "presence:acme:%3A%3A1", s.CacheKey("presence", "::1"))
}

func TestEscapedTokensCannotForgeAddresses(t *testing.T) {
	a := Scope{Tenant: "a:runtime:x"}
	b := Scope{Tenant: "a"}
	assert.NotEqual(t, a.RuntimeCallSubject("y"), b.RuntimeCallSubject("x:runtime:y"))
	assert.Equal(t, "t:a%3Aruntime%3Ax:runtime:y:call", a.RuntimeCallSubject("y"))
}

func TestNewScopeRejectsEmpty(t *testing.T) {
	_, err := NewScope("")
	assert.Error(t, err)
}

// Distinct tenants never share a subject or cache key, whatever ids they use.
func TestTenantIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct tenants produce distinct addresses", prop.ForAll(
		func(ta, tb, ida, idb string) bool {
			if ta == tb {
				return true
			}
			a, b := Scope{Tenant: ta}, Scope{Tenant: tb}
			return a.RuntimeCallSubject(ida) != b.RuntimeCallSubject(idb) &&
				a.CallReplySubject(ida) != b.CallReplySubject(idb) &&
				a.SessionCallSubject(ida) != b.SessionCallSubject(idb) &&
				a.CacheKey("presence", ida) != b.CacheKey("presence", idb)
		},
		gen.AnyString().SuchThat(func(s string) bool { return s != "" }),
		gen.AnyString().SuchThat(func(s string) bool { return s != "" }),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("cache keys split back into their tokens", prop.ForAll(
		func(tenant string, parts []string) bool {
			key := Scope{Tenant: tenant}.CacheKey("session", parts...)
			want := append([]string{"session", tenant}, parts...)
			return reflect.DeepEqual(SplitKey(key), want)
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
