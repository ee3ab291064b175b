package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef-http"

type fakeRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeRecorder) Record(_ context.Context, e audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) all() []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Event(nil), f.events...)
}

func (f *fakeRecorder) ofType(typ audit.EventType) []audit.Event {
	var out []audit.Event
	for _, e := range f.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testGate struct {
	tokens   *auth.TokenIssuer
	model    *auth.Model
	users    *auth.MemoryUserStore
	events   *fakeRecorder
	guard    *Guard
	accounts *auth.AccountService
}

func newTestGate(t *testing.T, opts ...GuardOption) *testGate {
	t.Helper()
	grants, err := auth.LoadGrants("", auth.GrantSubjects(auth.DefaultHierarchy, auth.DefaultSuperAdmins))
	if err != nil {
		t.Fatalf("LoadGrants: %v", err)
	}
	model, err := auth.NewModel(auth.DefaultHierarchy, auth.DefaultSuperAdmins, auth.WithGrants(grants))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	g := &testGate{
		tokens: tokens,
		model:  model,
		users:  auth.NewMemoryUserStore(),
		events: &fakeRecorder{},
	}
	opts = append([]GuardOption{WithCookieName("gate_session")}, opts...)
	g.guard = NewGuard(auth.NewSessionResolver(tokens, model), auth.NewEngine(model), g.events, opts...)
	g.accounts = auth.NewAccountService(g.users, tokens, model, g.events)
	return g
}

// token signs a session for a synthetic user; the id is derived from the role.
func (g *testGate) token(t *testing.T, role auth.Role, level auth.AccountLevel, status auth.Status, perms ...string) string {
	t.Helper()
	tok, _, err := g.tokens.Issue(auth.User{
		ID:           "u-" + string(role) + "-" + string(level),
		Email:        string(role) + "@example.com",
		Role:         role,
		AccountLevel: level,
		Status:       status,
		Permissions:  perms,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func bearerRequest(method, target, token string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func jsonBody(t *testing.T, v any) *strings.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return strings.NewReader(string(b))
}
