package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CredentialSource says where a credential was found on the request.
type CredentialSource int

const (
	SourceNone CredentialSource = iota
	SourceBearer
	SourceCookie
	SourceMetadata
)

func (s CredentialSource) String() string {
	switch s {
	case SourceBearer:
		return "bearer"
	case SourceCookie:
		return "cookie"
	case SourceMetadata:
		return "metadata"
	default:
		return "none"
	}
}

// Credential is the raw token presented by a caller, if any.
type Credential struct {
	Token  string
	Source CredentialSource
}

// Present reports whether the caller supplied anything at all.
func (c Credential) Present() bool { return c.Source != SourceNone }

// Resolution is the result of resolving a credential: either an Identity or
// unauthenticated. Callers must go through Identity() to reach the principal.
type Resolution struct {
	identity  *Identity
	presented bool
	failure   InvalidReason
}

// Identity returns the resolved principal, or nil when unauthenticated.
func (r Resolution) Identity() *Identity { return r.identity }

// Authenticated reports whether an identity was resolved.
func (r Resolution) Authenticated() bool { return r.identity != nil }

// CredentialPresented reports whether the caller sent a credential, valid or not.
func (r Resolution) CredentialPresented() bool { return r.presented }

// Failure returns why resolution failed. Server-side use only.
func (r Resolution) Failure() InvalidReason { return r.failure }

func unauthenticated(presented bool, why InvalidReason) Resolution {
	return Resolution{presented: presented, failure: why}
}

// SubjectSource returns the current stored state of a subject. Wiring one in
// makes the resolver re-read role, level and status on every request instead
// of trusting the values embedded at issuance.
type SubjectSource interface {
	Get(ctx context.Context, userID string) (User, error)
}

// SessionResolver turns credentials into identities.
type SessionResolver struct {
	tokens  *TokenIssuer
	model   *Model
	subject SubjectSource
}

// ResolverOption configures a SessionResolver.
type ResolverOption func(*SessionResolver)

// WithSubjectSource enables the live subject check.
func WithSubjectSource(src SubjectSource) ResolverOption {
	return func(r *SessionResolver) { r.subject = src }
}

// NewSessionResolver builds a resolver that verifies tokens with tokens and
// expands role and level grants from model.
func NewSessionResolver(tokens *TokenIssuer, model *Model, opts ...ResolverOption) *SessionResolver {
	r := &SessionResolver{tokens: tokens, model: model}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve verifies cred. Every failure, including a panic inside
// verification, yields an unauthenticated Resolution; Resolve never errors.
func (r *SessionResolver) Resolve(ctx context.Context, cred Credential) (res Resolution) {
	if !cred.Present() {
		return unauthenticated(false, InvalidAbsent)
	}
	defer func() {
		if p := recover(); p != nil {
			res = unauthenticated(true, InvalidInternal)
		}
	}()

	v := r.tokens.verify(cred.Token)
	if v.claims == nil {
		return unauthenticated(true, v.invalid)
	}
	id := r.identityFromClaims(v.claims)

	if r.subject != nil {
		if err := r.refresh(ctx, id); err != nil {
			return unauthenticated(true, InvalidSubject)
		}
	}
	return Resolution{identity: id, presented: true}
}

func (r *SessionResolver) identityFromClaims(c *Claims) *Identity {
	status, _ := ParseStatus(c.Status)
	id := &Identity{
		id:        c.Subject,
		email:     c.Email,
		name:      c.Name,
		role:      normalizeRole(Role(c.Role)),
		level:     AccountLevel(strings.ToLower(strings.TrimSpace(c.AccountLevel))),
		status:    status,
		issuedAt:  c.IssuedAt.Time,
		expiresAt: c.ExpiresAt.Time,
	}
	id.permissions = r.permissionSet(id.role, id.level, c.Permissions)
	return id
}

func (r *SessionResolver) refresh(ctx context.Context, id *Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := r.subject.Get(ctx, id.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("subject %s no longer exists: %w", id.id, err)
		}
		return err
	}
	id.role = normalizeRole(u.Role)
	id.level = u.AccountLevel
	id.status = u.Status
	id.permissions = r.permissionSet(id.role, id.level, u.Permissions)
	return nil
}

func (r *SessionResolver) permissionSet(role Role, level AccountLevel, explicit []string) map[string]struct{} {
	set := make(map[string]struct{}, len(explicit))
	for _, p := range explicit {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	if r.model != nil {
		for _, p := range r.model.GrantsFor(role, level) {
			set[p] = struct{}{}
		}
	}
	return set
}
