// Package identity implements the gate's waterfall identity resolution:
// bearer token subject, then session cookie, then hashed client IP,
// falling through to an anonymous terminal. No step ever returns an error;
// failures simply advance the waterfall.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Kind is the identity's provenance, one of the four waterfall steps.
type Kind string

const (
	KindToken     Kind = "token"
	KindSession   Kind = "session"
	KindIP        Kind = "ip"
	KindAnonymous Kind = "anonymous"
)

// Step names recognized in the configured identityOrder.
const (
	StepTokenSub      = "token-sub"
	StepSessionCookie = "session-cookie"
	StepIP            = "ip"
)

// AnonymousValue is the name of the anonymous terminal. The terminal Key
// itself (Anonymous) carries an empty value and renders as "anonymous:".
const AnonymousValue = "anonymous"

// Key is the resolved identity: a stable handle of the form "<kind>:<value>".
type Key struct {
	Kind  Kind
	Value string
}

// String renders the canonical "<kind>:<value>" form used as the Counter
// Store identity segment.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.Value
}

// Anonymous is the fixed terminal identity.
var Anonymous = Key{Kind: KindAnonymous, Value: ""}

// Resolver derives an identity Key for incoming requests according to a
// configured waterfall order and optional JWT secret.
type Resolver struct {
	order     []string
	jwtSecret []byte
}

// NewResolver constructs a Resolver. order is the configured identityOrder
// (StepTokenSub, StepSessionCookie, StepIP); jwtSecret may be nil, in which
// case token subjects are decoded unverified (development mode).
func NewResolver(order []string, jwtSecret []byte) *Resolver {
	if len(order) == 0 {
		order = []string{StepTokenSub, StepSessionCookie, StepIP}
	}
	return &Resolver{order: order, jwtSecret: jwtSecret}
}

// Resolve walks the waterfall in configured order and returns exactly one
// identity Key. It never errors; the anonymous terminal is always reachable.
func (r *Resolver) Resolve(req *http.Request) Key {
	for _, step := range r.order {
		switch step {
		case StepTokenSub:
			if sub, ok := r.tokenSubject(req); ok {
				return Key{Kind: KindToken, Value: sub}
			}
		case StepSessionCookie:
			if sid, ok := sessionCookie(req); ok {
				return Key{Kind: KindSession, Value: sid}
			}
		case StepIP:
			if hash, ok := r.clientIPHash(req); ok {
				return Key{Kind: KindIP, Value: hash}
			}
		}
	}
	return Anonymous
}

// tokenSubject extracts the Authorization bearer token's "sub" claim. When
// a JWT secret is configured, the signature must verify; otherwise the
// payload is decoded unverified.
func (r *Resolver) tokenSubject(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if tokenStr == "" {
		return "", false
	}

	if len(r.jwtSecret) > 0 {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			return r.jwtSecret, nil
		})
		if err != nil {
			return "", false
		}
		sub, ok := claims["sub"].(string)
		if !ok || sub == "" {
			return "", false
		}
		return sub, true
	}

	return unverifiedSubject(tokenStr)
}

// unverifiedSubject decodes the JWT payload segment without checking its
// signature. This path is only reachable when no jwtSecret is configured
// ("development mode" per the config contract).
func unverifiedSubject(tokenStr string) (string, bool) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	if claims.Sub == "" {
		return "", false
	}
	return claims.Sub, true
}

func sessionCookie(req *http.Request) (string, bool) {
	for _, c := range req.Cookies() {
		if c.Name == "sessionId" && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func (r *Resolver) clientIPHash(req *http.Request) (string, bool) {
	ip := ExtractClientIP(req)
	if ip == "" {
		return "", false
	}
	normalized := NormalizeIP(ip)
	if normalized == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16], true
}

// ExtractClientIP returns the first of x-forwarded-for (leftmost entry),
// x-real-ip, cf-connecting-ip, or the transport-level peer address.
func ExtractClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xri := req.Header.Get("X-Real-Ip"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if cf := req.Header.Get("Cf-Connecting-Ip"); cf != "" {
		return strings.TrimSpace(cf)
	}
	host := req.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host, "]") {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}

// NormalizeIP lowercases the address, maps the IPv6 loopback to its IPv4
// form, and strips the IPv4-mapped-IPv6 prefix, as required for
// identity/cache consistency across every IP-deriving component.
func NormalizeIP(ip string) string {
	ip = strings.ToLower(strings.TrimSpace(ip))
	if ip == "::1" {
		return "127.0.0.1"
	}
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}
