package auth

import (
	"context"
	"errors"
	"testing"
)

type stubSubjects struct {
	user  User
	err   error
	panic bool
	calls int
}

func (s *stubSubjects) Get(_ context.Context, id string) (User, error) {
	s.calls++
	if s.panic {
		panic("subject lookup exploded")
	}
	if s.err != nil {
		return User{}, s.err
	}
	u := s.user
	u.ID = id
	return u, nil
}

func bearer(token string) Credential { return Credential{Token: token, Source: SourceBearer} }

func TestResolveAbsentCredential(t *testing.T) {
	r := NewSessionResolver(mustIssuer(t), mustModel(t))
	res := r.Resolve(context.Background(), Credential{})
	if res.Authenticated() || res.CredentialPresented() {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.Identity() != nil {
		t.Fatal("identity must be nil")
	}
	if res.Failure() != InvalidAbsent {
		t.Fatalf("failure = %s", res.Failure())
	}
}

func TestResolveValidToken(t *testing.T) {
	iss := mustIssuer(t)
	r := NewSessionResolver(iss, mustModel(t))
	token, _, err := iss.Issue(sampleUser())
	if err != nil {
		t.Fatal(err)
	}
	res := r.Resolve(context.Background(), bearer(token))
	if !res.Authenticated() {
		t.Fatalf("expected identity, failure %s", res.Failure())
	}
	id := res.Identity()
	if id.ID() != "user-42" || id.Role() != RoleModerator || id.AccountLevel() != LevelPremium || id.Status() != StatusActive {
		t.Fatalf("unexpected identity: %+v", id.View())
	}
	for _, p := range []string{PermOrdersRead, PermReportsResolve, PermChatUse} {
		if !id.HasPermission(p) {
			t.Errorf("expected %s in %v", p, id.Permissions())
		}
	}
	if id.HasPermission(PermUsersManage) {
		t.Fatal("moderator must not hold users.manage")
	}
}

func TestResolveNormalizesRole(t *testing.T) {
	iss := mustIssuer(t)
	u := sampleUser()
	u.Role = " ADMIN "
	token, _, _ := iss.Issue(u)
	res := NewSessionResolver(iss, mustModel(t)).Resolve(context.Background(), bearer(token))
	if !res.Authenticated() || res.Identity().Role() != RoleAdmin {
		t.Fatalf("expected admin, got %+v", res)
	}
}

func TestResolveFailsClosed(t *testing.T) {
	r := NewSessionResolver(mustIssuer(t), mustModel(t))
	for _, token := range []string{"x", "a.b.c", "eyJhbGciOiJIUzI1NiJ9.e30.", "\x00\xff"} {
		res := r.Resolve(context.Background(), Credential{Token: token, Source: SourceCookie})
		if res.Authenticated() {
			t.Fatalf("token %q authenticated", token)
		}
		if !res.CredentialPresented() {
			t.Fatalf("token %q should count as presented", token)
		}
	}
}

func TestResolveLiveSubject(t *testing.T) {
	iss := mustIssuer(t)
	token, _, _ := iss.Issue(sampleUser())

	t.Run("refreshes status and role", func(t *testing.T) {
		src := &stubSubjects{user: User{Role: RoleUser, AccountLevel: LevelSeller, Status: StatusSuspended}}
		r := NewSessionResolver(iss, mustModel(t), WithSubjectSource(src))
		res := r.Resolve(context.Background(), bearer(token))
		if !res.Authenticated() {
			t.Fatalf("expected identity, failure %s", res.Failure())
		}
		id := res.Identity()
		if id.Status() != StatusSuspended || id.Role() != RoleUser || id.AccountLevel() != LevelSeller {
			t.Fatalf("identity not refreshed: %+v", id.View())
		}
		if id.HasPermission(PermReportsResolve) || !id.HasPermission(PermCatalogWrite) {
			t.Fatalf("grants not recomputed: %v", id.Permissions())
		}
	})

	t.Run("missing subject", func(t *testing.T) {
		r := NewSessionResolver(iss, mustModel(t), WithSubjectSource(&stubSubjects{err: ErrNotFound}))
		res := r.Resolve(context.Background(), bearer(token))
		if res.Authenticated() || res.Failure() != InvalidSubject {
			t.Fatalf("expected subject failure, got %+v", res)
		}
	})

	t.Run("store error", func(t *testing.T) {
		r := NewSessionResolver(iss, mustModel(t), WithSubjectSource(&stubSubjects{err: errors.New("db down")}))
		if res := r.Resolve(context.Background(), bearer(token)); res.Authenticated() {
			t.Fatal("store errors must fail closed")
		}
	})

	t.Run("panic", func(t *testing.T) {
		r := NewSessionResolver(iss, mustModel(t), WithSubjectSource(&stubSubjects{panic: true}))
		res := r.Resolve(context.Background(), bearer(token))
		if res.Authenticated() || res.Failure() != InvalidInternal {
			t.Fatalf("expected internal failure, got %+v", res)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		src := &stubSubjects{user: User{Role: RoleUser, Status: StatusActive}}
		r := NewSessionResolver(iss, mustModel(t), WithSubjectSource(src))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if res := r.Resolve(ctx, bearer(token)); res.Authenticated() {
			t.Fatal("cancelled lookups must fail closed")
		}
		if src.calls != 0 {
			t.Fatalf("lookup should not run, got %d calls", src.calls)
		}
	})
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry an identity")
	}
	id := testIdentity(RoleUser, LevelBasic, StatusActive)
	ctx := ContextWithIdentity(context.Background(), id)
	got, ok := IdentityFromContext(ctx)
	if !ok || got != id {
		t.Fatal("identity not round-tripped")
	}
	if ContextWithIdentity(ctx, nil) != ctx {
		t.Fatal("nil identity must not change the context")
	}
}
