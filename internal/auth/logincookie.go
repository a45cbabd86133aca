package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// loginForCookieProvider logs in on first use and reuses the resulting
// cookie across pages and later ticks until Invalidate clears it (the poll
// tick does so after a 401).
type loginForCookieProvider struct {
	loginURL  string
	loginBody string
	client    *http.Client

	mu     sync.Mutex
	cookie string
}

func newLoginForCookieProvider(cfg hconfig.AuthConfig, client *http.Client) (Provider, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("auth.type=login_for_cookie requires login_url")
	}
	return &loginForCookieProvider{loginURL: cfg.LoginURL, loginBody: cfg.LoginBody, client: client}, nil
}

func (p *loginForCookieProvider) Prepare(ctx context.Context, _, _ string) (Injection, error) {
	p.mu.Lock()
	if p.cookie != "" {
		c := p.cookie
		p.mu.Unlock()
		return Injection{Cookie: c}, nil
	}
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.loginURL, strings.NewReader(p.loginBody))
	if err != nil {
		return Injection{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Injection{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return Injection{}, fmt.Errorf("login response carried no Set-Cookie header")
	}
	cookie := firstNameValuePair(cookies[0])

	p.mu.Lock()
	p.cookie = cookie
	p.mu.Unlock()

	return Injection{Cookie: cookie}, nil
}

func (p *loginForCookieProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookie = ""
}

func firstNameValuePair(setCookie string) string {
	parts := strings.SplitN(setCookie, ";", 2)
	return strings.TrimSpace(parts[0])
}
