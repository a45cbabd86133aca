package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// refreshBuffer is how far ahead of expiry a cached token is treated as
// stale, per spec.md section 4.B.
const refreshBuffer = 60 * time.Second

type oauth2Provider struct {
	sourceID string
	cfg      hconfig.AuthConfig
	client   *http.Client

	dpop *dpopSigner

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newOAuth2Provider(sourceID string, cfg hconfig.AuthConfig, client *http.Client) (Provider, error) {
	if cfg.ClientSecret.IsZero() && cfg.ClientPrivateKey.IsZero() {
		return nil, fmt.Errorf("auth.type=oauth2 requires client_secret or client_private_key")
	}
	p := &oauth2Provider{sourceID: sourceID, cfg: cfg, client: client}
	if cfg.DPoP.Enabled {
		signer, err := newDPoPSigner()
		if err != nil {
			return nil, err
		}
		p.dpop = signer
	}
	return p, nil
}

func (p *oauth2Provider) Prepare(ctx context.Context, method, targetURL string) (Injection, error) {
	tok, err := p.currentToken(ctx)
	if err != nil {
		return Injection{}, err
	}

	headers := map[string]string{"Authorization": "Bearer " + tok}
	if p.dpop != nil {
		proof, err := p.dpop.proof(method, targetURL, tok)
		if err != nil {
			return Injection{}, fmt.Errorf("build DPoP proof: %w", err)
		}
		headers["DPoP"] = proof
	}
	return Injection{Headers: headers}, nil
}

func (p *oauth2Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

// ObserveNonce records a DPoP-Nonce response header for host, echoed in the
// next proof for that host.
func (p *oauth2Provider) ObserveNonce(host, nonce string) {
	if p.dpop != nil {
		p.dpop.observeNonce(host, nonce)
	}
}

func (p *oauth2Provider) currentToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Add(refreshBuffer).Before(p.expiresAt) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	tok, expiresIn, err := p.exchangeToken(ctx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.token = tok
	p.expiresAt = time.Now().Add(expiresIn)
	p.mu.Unlock()
	return tok, nil
}

func (p *oauth2Provider) exchangeToken(ctx context.Context) (string, time.Duration, error) {
	clientSecret, err := p.cfg.ClientSecret.Resolve()
	if err != nil {
		return "", 0, fmt.Errorf("resolve client_secret: %w", err)
	}
	usesPrivateKeyJWT := p.cfg.ClientSecret.IsZero() && !p.cfg.ClientPrivateKey.IsZero()

	grant := "client_credentials"
	refreshToken, err := p.cfg.RefreshToken.Resolve()
	if err != nil {
		return "", 0, fmt.Errorf("resolve refresh_token: %w", err)
	}
	if refreshToken != "" {
		grant = "refresh_token"
	}
	scope := strings.Join(p.cfg.Scope, " ")

	if !usesPrivateKeyJWT && grant == "client_credentials" {
		cc := &clientcredentials.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: clientSecret,
			TokenURL:     p.cfg.TokenURL,
			Scopes:       p.cfg.Scope,
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			return "", 0, fmt.Errorf("oauth2 client_credentials exchange: %w", err)
		}
		return tok.AccessToken, ttlOf(tok), nil
	}

	form := url.Values{}
	form.Set("grant_type", grant)
	if grant == "refresh_token" {
		form.Set("refresh_token", refreshToken)
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(""))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if usesPrivateKeyJWT {
		assertion, err := p.buildPrivateKeyJWTAssertion()
		if err != nil {
			return "", 0, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	} else {
		req.SetBasicAuth(p.cfg.ClientID, clientSecret)
	}

	if p.dpop != nil {
		proof, err := p.dpop.proof(http.MethodPost, p.cfg.TokenURL, "")
		if err != nil {
			return "", 0, fmt.Errorf("build token-request DPoP proof: %w", err)
		}
		req.Header.Set("DPoP", proof)
	}

	req.Body = io.NopCloser(strings.NewReader(form.Encode()))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("oauth2 token request: %w", err)
	}
	defer resp.Body.Close()

	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		if u, err := url.Parse(p.cfg.TokenURL); err == nil {
			p.ObserveNonce(u.Host, nonce)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("oauth2 token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	ttl := time.Hour
	if parsed.ExpiresIn > 0 {
		ttl = time.Duration(parsed.ExpiresIn) * time.Second
	}
	return parsed.AccessToken, ttl, nil
}

func (p *oauth2Provider) buildPrivateKeyJWTAssertion() (string, error) {
	pemBytes, err := p.cfg.ClientPrivateKey.Resolve()
	if err != nil {
		return "", fmt.Errorf("resolve client_private_key: %w", err)
	}
	key, err := parseRSAPrivateKeyPEM(pemBytes)
	if err != nil {
		return "", fmt.Errorf("parse client_private_key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.cfg.ClientID,
		"sub": p.cfg.ClientID,
		"aud": p.cfg.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign private_key_jwt assertion: %w", err)
	}
	return signed, nil
}

func parseRSAPrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func ttlOf(tok *oauth2.Token) time.Duration {
	if tok.Expiry.IsZero() {
		return time.Hour
	}
	d := time.Until(tok.Expiry)
	if d <= 0 {
		return time.Hour
	}
	return d
}
