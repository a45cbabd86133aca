package auth

import (
	"context"
	"fmt"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// bearerProvider injects "Authorization: <prefix> <token>".
type bearerProvider struct {
	prefix string
	token  hconfig.Secret
}

func newBearerProvider(cfg hconfig.AuthConfig) (Provider, error) {
	if cfg.Token.IsZero() {
		return nil, fmt.Errorf("auth.type=bearer requires token")
	}
	prefix := cfg.TokenPrefix
	if prefix == "" {
		prefix = "Bearer"
	}
	return &bearerProvider{prefix: prefix, token: cfg.Token}, nil
}

func (p *bearerProvider) Prepare(context.Context, string, string) (Injection, error) {
	tok, err := p.token.Resolve()
	if err != nil {
		return Injection{}, fmt.Errorf("resolve bearer token: %w", err)
	}
	return Injection{Headers: map[string]string{"Authorization": p.prefix + " " + tok}}, nil
}

func (p *bearerProvider) Invalidate() {}

// apiKeyProvider injects a named header with a secret value.
type apiKeyProvider struct {
	header string
	secret hconfig.Secret
}

func newAPIKeyProvider(cfg hconfig.AuthConfig) (Provider, error) {
	if cfg.HeaderName == "" {
		return nil, fmt.Errorf("auth.type=api_key requires header_name")
	}
	if cfg.APIKey.IsZero() {
		return nil, fmt.Errorf("auth.type=api_key requires api_key")
	}
	return &apiKeyProvider{header: cfg.HeaderName, secret: cfg.APIKey}, nil
}

func (p *apiKeyProvider) Prepare(context.Context, string, string) (Injection, error) {
	v, err := p.secret.Resolve()
	if err != nil {
		return Injection{}, fmt.Errorf("resolve api key: %w", err)
	}
	return Injection{Headers: map[string]string{p.header: v}}, nil
}

func (p *apiKeyProvider) Invalidate() {}

// basicProvider injects HTTP Basic credentials.
type basicProvider struct {
	username hconfig.Secret
	password hconfig.Secret
}

func newBasicProvider(cfg hconfig.AuthConfig) (Provider, error) {
	if cfg.Username.IsZero() {
		return nil, fmt.Errorf("auth.type=basic requires username")
	}
	return &basicProvider{username: cfg.Username, password: cfg.Password}, nil
}

func (p *basicProvider) Prepare(context.Context, string, string) (Injection, error) {
	user, err := p.username.Resolve()
	if err != nil {
		return Injection{}, fmt.Errorf("resolve basic username: %w", err)
	}
	pass, err := p.password.Resolve()
	if err != nil {
		return Injection{}, fmt.Errorf("resolve basic password: %w", err)
	}
	return Injection{Headers: map[string]string{"Authorization": basicAuthHeader(user, pass)}}, nil
}

func (p *basicProvider) Invalidate() {}
