package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/JakeFAU/hel/internal/hconfig"
)

type googleCredentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// googleServiceProvider signs a JWT assertion with the service account's
// private key and exchanges it for an access token, grounded on spec.md
// section 4.B's Google Service Account variant.
type googleServiceProvider struct {
	creds   googleCredentials
	subject string
	scopes  []string
	client  *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newGoogleServiceProvider(sourceID string, cfg hconfig.AuthConfig, client *http.Client) (Provider, error) {
	raw, err := cfg.CredentialsJSON.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials_json: %w", err)
	}
	var creds googleCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("parse google service account credentials: %w", err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" || creds.TokenURI == "" {
		return nil, fmt.Errorf("google service account credentials missing client_email/private_key/token_uri")
	}
	return &googleServiceProvider{creds: creds, subject: cfg.Subject, scopes: cfg.Scopes, client: client}, nil
}

func (p *googleServiceProvider) Prepare(ctx context.Context, _, _ string) (Injection, error) {
	tok, err := p.currentToken(ctx)
	if err != nil {
		return Injection{}, err
	}
	return Injection{Headers: map[string]string{"Authorization": "Bearer " + tok}}, nil
}

func (p *googleServiceProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

func (p *googleServiceProvider) currentToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Add(refreshBuffer).Before(p.expiresAt) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	key, err := parseRSAPrivateKeyPEM(p.creds.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse google private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.creds.ClientEmail,
		"scope": strings.Join(p.scopes, " "),
		"aud":   p.creds.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"jti":   uuid.NewString(),
	}
	if p.subject != "" {
		claims["sub"] = p.subject
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign google service account JWT: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build google token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read google token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("google token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse google token response: %w", err)
	}

	p.mu.Lock()
	p.token = parsed.AccessToken
	p.expiresAt = now.Add(time.Duration(parsed.ExpiresIn) * time.Second)
	p.mu.Unlock()
	return parsed.AccessToken, nil
}
