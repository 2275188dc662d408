package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, sub string) string {
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestResolver_WaterfallDeterminism(t *testing.T) {
	secret := []byte("test-secret")
	r := NewResolver([]string{StepTokenSub, StepSessionCookie, StepIP}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/protected", nil)
	req.RemoteAddr = "203.0.113.9:54321"
	req.AddCookie(&http.Cookie{Name: "sessionId", Value: "sess-abc"})
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "user-42"))

	key := r.Resolve(req)
	assert.Equal(t, KindToken, key.Kind)
	assert.Equal(t, "user-42", key.Value)

	req.Header.Del("Authorization")
	key = r.Resolve(req)
	assert.Equal(t, KindSession, key.Kind)
	assert.Equal(t, "sess-abc", key.Value)

	req.Header.Del("Cookie")
	key = r.Resolve(req)
	assert.Equal(t, KindIP, key.Kind)
	assert.NotEmpty(t, key.Value)
	assert.Len(t, key.Value, 16)

	// Identical inputs produce identical identities across runs.
	again := r.Resolve(req)
	assert.Equal(t, key, again)
}

func TestResolver_InvalidTokenFallsThrough(t *testing.T) {
	secret := []byte("test-secret")
	r := NewResolver([]string{StepTokenSub, StepIP}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/protected", nil)
	req.RemoteAddr = "198.51.100.1:1111"
	req.Header.Set("Authorization", "Bearer not-a-real-jwt")

	key := r.Resolve(req)
	assert.Equal(t, KindIP, key.Kind)
}

func TestResolver_UnverifiedDevMode(t *testing.T) {
	r := NewResolver([]string{StepTokenSub}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "dev-user"})
	signed, err := tok.SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)

	key := r.Resolve(req)
	assert.Equal(t, KindToken, key.Kind)
	assert.Equal(t, "dev-user", key.Value)
}

func TestResolver_AnonymousTerminal(t *testing.T) {
	r := NewResolver([]string{StepTokenSub, StepSessionCookie}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	key := r.Resolve(req)
	assert.Equal(t, Anonymous, key)
	assert.Equal(t, "anonymous:", key.String())
}

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"::1":                "127.0.0.1",
		"::ffff:192.168.1.1": "192.168.1.1",
		"10.0.0.1":           "10.0.0.1",
		"  10.0.0.2  ":       "10.0.0.2",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeIP(in))
	}
}

func TestExtractClientIP_Precedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:80"
	req.Header.Set("X-Real-Ip", "5.6.7.8")
	req.Header.Set("X-Forwarded-For", "9.10.11.12, 13.14.15.16")

	assert.Equal(t, "9.10.11.12", ExtractClientIP(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "5.6.7.8", ExtractClientIP(req))

	req.Header.Del("X-Real-Ip")
	assert.Equal(t, "1.2.3.4", ExtractClientIP(req))
}
