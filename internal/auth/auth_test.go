package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/hconfig"
)

func TestBearerProviderDefaultPrefix(t *testing.T) {

	p, err := New("okta", hconfig.AuthConfig{
		Type:  hconfig.AuthBearer,
		Token: hconfig.Secret{Env: "TEST_BEARER_TOKEN"},
	}, http.DefaultClient)
	require.NoError(t, err)

	t.Setenv("TEST_BEARER_TOKEN", "abc123")
	inj, err := p.Prepare(context.Background(), "GET", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", inj.Headers["Authorization"])
}

func TestBearerProviderCustomPrefix(t *testing.T) {

	t.Setenv("TEST_OKTA_TOKEN", "xyz")
	p, err := New("okta", hconfig.AuthConfig{
		Type:        hconfig.AuthBearer,
		Token:       hconfig.Secret{Env: "TEST_OKTA_TOKEN"},
		TokenPrefix: "SSWS",
	}, http.DefaultClient)
	require.NoError(t, err)

	inj, err := p.Prepare(context.Background(), "GET", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "SSWS xyz", inj.Headers["Authorization"])
}

func TestAPIKeyProviderInjectsNamedHeader(t *testing.T) {

	t.Setenv("TEST_API_KEY", "k1")
	p, err := New("src", hconfig.AuthConfig{
		Type:       hconfig.AuthAPIKey,
		HeaderName: "X-Api-Key",
		APIKey:     hconfig.Secret{Env: "TEST_API_KEY"},
	}, http.DefaultClient)
	require.NoError(t, err)

	inj, err := p.Prepare(context.Background(), "GET", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "k1", inj.Headers["X-Api-Key"])
}

func TestBasicProviderEncodesCredentials(t *testing.T) {

	t.Setenv("TEST_BASIC_USER", "alice")
	p, err := New("src", hconfig.AuthConfig{
		Type:     hconfig.AuthBasic,
		Username: hconfig.Secret{Env: "TEST_BASIC_USER"},
	}, http.DefaultClient)
	require.NoError(t, err)

	inj, err := p.Prepare(context.Background(), "GET", "https://api.example.com")
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(inj.Headers["Authorization"][len("Basic "):])
	require.NoError(t, err)
	assert.Equal(t, "alice:", string(decoded))
}

func TestDPoPProofHasThreePartsAndJWKHeader(t *testing.T) {
	t.Parallel()

	signer, err := newDPoPSigner()
	require.NoError(t, err)

	proof, err := signer.proof("POST", "https://as.example.com/token?x=1", "")
	require.NoError(t, err)

	parts := splitJWT(proof)
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)

	var header map[string]any
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "dpop+jwt", header["typ"])
	assert.Equal(t, "ES256", header["alg"])
	assert.Contains(t, header, "jwk")
}

func TestDPoPProofStripsQueryFromHTU(t *testing.T) {
	t.Parallel()

	signer, err := newDPoPSigner()
	require.NoError(t, err)

	proof, err := signer.proof("GET", "https://api.example.com/logs?cursor=abc", "")
	require.NoError(t, err)

	parts := splitJWT(proof)
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(payloadJSON, &payload))
	assert.Equal(t, "https://api.example.com/logs", payload["htu"])
}

func TestLoginForCookieProviderCapturesFirstCookiePair(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abc123; Path=/; HttpOnly")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New("src", hconfig.AuthConfig{
		Type:     hconfig.AuthLoginForCookie,
		LoginURL: srv.URL,
	}, srv.Client())
	require.NoError(t, err)

	inj, err := p.Prepare(context.Background(), "POST", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "session=abc123", inj.Cookie)

	// Subsequent prepare reuses the cached cookie without another request.
	inj2, err := p.Prepare(context.Background(), "POST", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, inj.Cookie, inj2.Cookie)
}

func TestOAuth2ProviderRequiresSecretOrPrivateKey(t *testing.T) {
	t.Parallel()

	_, err := New("src", hconfig.AuthConfig{Type: hconfig.AuthOAuth2}, http.DefaultClient)
	require.Error(t, err)
}

func splitJWT(tok string) []string {
	var parts []string
	start := 0
	for i, c := range tok {
		if c == '.' {
			parts = append(parts, tok[start:i])
			start = i + 1
		}
	}
	parts = append(parts, tok[start:])
	return parts
}
