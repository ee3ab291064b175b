package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func mustIssuer(t *testing.T, opts ...IssuerOption) *TokenIssuer {
	t.Helper()
	iss, err := NewTokenIssuer(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return iss
}

func sampleUser() User {
	return User{
		ID:           "user-42",
		Email:        "ada@example.com",
		Name:         "Ada",
		Role:         RoleModerator,
		AccountLevel: LevelPremium,
		Status:       StatusActive,
		Permissions:  []string{"orders.read", "orders.read", " "},
	}
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	iss := mustIssuer(t, WithClock(fixedClock(now)), WithAccessTTL(time.Hour))

	token, exp, err := iss.Issue(sampleUser())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	v := iss.verify(token)
	if v.claims == nil {
		t.Fatalf("verify failed: %s", v.invalid)
	}
	if v.claims.Subject != "user-42" || v.claims.Role != "moderator" || v.claims.AccountLevel != "premium" {
		t.Fatalf("claims not preserved: %+v", v.claims)
	}
	if len(v.claims.Permissions) != 1 {
		t.Fatalf("permissions should be deduplicated: %v", v.claims.Permissions)
	}
	if v.claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	iss := mustIssuer(t)
	if _, _, err := iss.Issue(User{Role: RoleUser}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func signClaims(t *testing.T, secret string, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerifyFailureModes(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	iss := mustIssuer(t, WithClock(fixedClock(now)))
	good, _, err := iss.Issue(sampleUser())
	if err != nil {
		t.Fatal(err)
	}

	later := mustIssuer(t, WithClock(fixedClock(now.Add(time.Hour))))
	other, err := NewTokenIssuer(strings.Repeat("z", 40), WithClock(fixedClock(now)))
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, _ := other.Issue(sampleUser())
	otherIssuer := mustIssuer(t, WithClock(fixedClock(now)), WithIssuer("someone-else"))
	wrongIss, _, _ := otherIssuer.Issue(sampleUser())

	base := jwt.RegisteredClaims{
		Issuer:    defaultIssuer,
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	noRole := signClaims(t, testSecret, Claims{Status: "active", RegisteredClaims: base})
	badStatus := signClaims(t, testSecret, Claims{Role: "user", Status: "deleted", RegisteredClaims: base})
	futureClaims := base
	futureClaims.IssuedAt = jwt.NewNumericDate(now.Add(time.Hour))
	futureClaims.ExpiresAt = jwt.NewNumericDate(now.Add(2 * time.Hour))
	future := signClaims(t, testSecret, Claims{Role: "user", Status: "active", RegisteredClaims: futureClaims})
	noExpClaims := base
	noExpClaims.ExpiresAt = nil
	noExp := signClaims(t, testSecret, Claims{Role: "user", Status: "active", RegisteredClaims: noExpClaims})
	elevated := signClaims(t, strings.Repeat("y", 40), Claims{Role: "admin", Status: "active", RegisteredClaims: base})
	goodParts := strings.Split(good, ".")
	elevatedParts := strings.Split(elevated, ".")
	tampered := elevatedParts[0] + "." + elevatedParts[1] + "." + goodParts[2]
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "admin", Status: "active", RegisteredClaims: base}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		issuer *TokenIssuer
		token  string
		want   InvalidReason
	}{
		{"empty", iss, "  ", InvalidAbsent},
		{"garbage", iss, "not-a-token", InvalidMalformed},
		{"truncated", iss, good[:len(good)/2], ""},
		{"tampered", iss, tampered, InvalidSignature},
		{"expired", later, good, InvalidExpired},
		{"foreign secret", iss, foreign, InvalidSignature},
		{"wrong issuer", iss, wrongIss, InvalidIssuer},
		{"missing role", iss, noRole, InvalidClaims},
		{"unknown status", iss, badStatus, InvalidClaims},
		{"issued in future", iss, future, InvalidNotYetValid},
		{"no expiry", iss, noExp, InvalidClaims},
		{"alg none", iss, none, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := tc.issuer.verify(tc.token)
			if v.claims != nil {
				t.Fatal("expected verification failure")
			}
			if v.invalid == InvalidNone {
				t.Fatal("failure must carry a reason")
			}
			if tc.want != "" && v.invalid != tc.want {
				t.Fatalf("reason = %s, want %s", v.invalid, tc.want)
			}
		})
	}
}
