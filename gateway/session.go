package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/cache"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/tenancy"
)

// SessionHeader carries the session token on HTTP bindings.
const SessionHeader = "Mcp-Session-Id"

type (
	// Session is an authenticated agent session.
	Session struct {
		ID      string        `json:"id"`
		Scope   tenancy.Scope `json:"scope"`
		SkillID string        `json:"skillId,omitempty"`
		// Embedded lists the AGENT-EMBEDDED providers hosted by the session.
		Embedded []string `json:"embedded,omitempty"`
		// Binding is the transport the session was opened on.
		Binding   string    `json:"binding"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Sessions stores sessions in the session bucket and issues the signed
	// tokens that identify them on HTTP bindings. Any gateway instance
	// sharing the cache and secret can resolve a token.
	Sessions struct {
		bucket *cache.Bucket
		secret []byte
		maxAge time.Duration
		now    func() time.Time
	}

	sessionClaims struct {
		Tenant string `json:"tid"`
		jwt.RegisteredClaims
	}
)

// Binding names.
const (
	BindingStdio  = "stdio"
	BindingSSE    = "sse"
	BindingStream = "stream"
)

// NewSession returns a new session of scope with a fresh ID.
func NewSession(scope tenancy.Scope, skillID, binding string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Scope:     scope,
		SkillID:   skillID,
		Binding:   binding,
		CreatedAt: time.Now().UTC(),
	}
}

// RouterSession returns the routing context of s.
func (s *Session) RouterSession() *router.Session {
	return &router.Session{ID: s.ID, Scope: s.Scope, SkillID: s.SkillID, Embedded: s.Embedded}
}

// NewSessions returns a session store. secret signs the tokens.
func NewSessions(c cache.Cache, secret []byte, maxAge time.Duration) (*Sessions, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if maxAge <= 0 {
		return nil, errors.New("session max age must be positive")
	}
	return &Sessions{
		bucket: cache.NewBucket(c, cache.BucketSession, maxAge),
		secret: secret,
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// Open records sess and returns its token.
func (s *Sessions) Open(ctx context.Context, sess *Session) (string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	if err := s.bucket.Set(ctx, sess.Scope, sess.ID, data); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	now := s.now()
	claims := sessionClaims{
		Tenant: sess.Scope.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Lookup returns the session identified by token. Tampered, expired and
// closed sessions are rejected alike.
func (s *Sessions) Lookup(ctx context.Context, token string) (*Session, error) {
	scope, id, err := s.verify(token)
	if err != nil {
		return nil, err
	}
	data, err := s.bucket.Get(ctx, scope, id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, toolgate.Errorf(toolgate.MakeAuthRejected, "session closed")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Close deletes the session identified by token so it can no longer be
// used on any instance.
func (s *Sessions) Close(ctx context.Context, token string) (*Session, error) {
	sess, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.bucket.Delete(ctx, sess.Scope, sess.ID); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	return sess, nil
}

func (s *Sessions) verify(token string) (tenancy.Scope, string, error) {
	if token == "" {
		return tenancy.Scope{}, "", toolgate.Errorf(toolgate.MakeAuthRejected, "missing session token")
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.Tenant == "" {
		return tenancy.Scope{}, "", toolgate.Errorf(toolgate.MakeAuthRejected, "invalid session token")
	}
	return tenancy.Scope{Tenant: claims.Tenant}, claims.Subject, nil
}
