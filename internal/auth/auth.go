// Package auth implements the pluggable Auth Provider variants: static
// bearer, api key, basic, OAuth2 (refresh/client-credentials, optional
// private-key JWT and DPoP), Google service account, and login-for-cookie.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
)

// Injection is what a Provider contributes to an outgoing request: any
// combination of headers, a cookie, query parameters, and a body fragment
// merged shallowly into a POST body.
type Injection struct {
	Headers      map[string]string
	Cookie       string
	Query        map[string]string
	BodyFragment map[string]any
}

// IsZero reports whether the injection contributes nothing, used by the
// poll tick to decide whether a hook's getAuth result should bypass
// declarative auth.
func (i Injection) IsZero() bool {
	return len(i.Headers) == 0 && i.Cookie == "" && len(i.Query) == 0 && len(i.BodyFragment) == 0
}

// Provider is the uniform auth capability: prepare credentials for the
// next request, and invalidate any cached token on 401.
type Provider interface {
	Prepare(ctx context.Context, method, url string) (Injection, error)
	Invalidate()
}

// noneProvider contributes nothing.
type noneProvider struct{}

func (noneProvider) Prepare(context.Context, string, string) (Injection, error) { return Injection{}, nil }
func (noneProvider) Invalidate()                                                {}

// New builds the Provider named by cfg.Type for sourceID, sharing
// httpClient for any token exchange.
func New(sourceID string, cfg hconfig.AuthConfig, httpClient *http.Client) (Provider, error) {
	switch cfg.Type {
	case "", hconfig.AuthNone:
		return noneProvider{}, nil
	case hconfig.AuthBearer:
		return newBearerProvider(cfg)
	case hconfig.AuthAPIKey:
		return newAPIKeyProvider(cfg)
	case hconfig.AuthBasic:
		return newBasicProvider(cfg)
	case hconfig.AuthOAuth2:
		return newOAuth2Provider(sourceID, cfg, httpClient)
	case hconfig.AuthGoogleService:
		return newGoogleServiceProvider(sourceID, cfg, httpClient)
	case hconfig.AuthLoginForCookie:
		return newLoginForCookieProvider(cfg, httpClient)
	default:
		return nil, herr.New(herr.KindConfigInvalid, sourceID, fmt.Errorf("unknown auth type %q", cfg.Type))
	}
}
