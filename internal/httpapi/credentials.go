package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// credentialFromRequest prefers the Authorization header over the session
// cookie. A header that is present but unusable still counts as a presented
// credential so it fails verification instead of looking anonymous.
func credentialFromRequest(r *http.Request, cookieName string) auth.Credential {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		token, err := extractBearerToken(header)
		if err != nil {
			return auth.Credential{Token: header, Source: auth.SourceBearer}
		}
		return auth.Credential{Token: token, Source: auth.SourceBearer}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return auth.Credential{Token: c.Value, Source: auth.SourceCookie}
		}
	}
	return auth.Credential{}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// TrustedProxies is the set of peers allowed to name the client through
// X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts IP addresses and CIDR ranges.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) trusts(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for r. X-Forwarded-For is read right to
// left only while each hop is trusted; the first untrusted hop is the client.
func (t TrustedProxies) Resolve(r *http.Request) string {
	remote := clientIP(r)
	peer, err := netip.ParseAddr(remote)
	if err != nil || !t.trusts(peer) {
		return remote
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap().String()
		if !t.trusts(hop) {
			break
		}
	}
	return client
}

// Middleware replaces r.RemoteAddr with the resolved client address so
// everything downstream sees the same value.
func (t TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(t) > 0 {
			r.RemoteAddr = t.Resolve(r)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the host part of r.RemoteAddr, which the proxy middleware has
// already rewritten when a trusted proxy forwarded the request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originOf(r *http.Request) audit.Origin {
	return audit.Origin{IP: clientIP(r), UserAgent: r.UserAgent()}
}
