package hconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceValidateRejectsBadMethod(t *testing.T) {
	t.Parallel()

	s := SourceConfig{ID: "okta", URL: "https://okta.example/logs", Method: "PUT"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method")
}

func TestSourceValidateRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	s := SourceConfig{ID: "okta", Method: "GET"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestAuthValidateOAuth2RequiresSecretOrKey(t *testing.T) {
	t.Parallel()

	a := AuthConfig{Type: AuthOAuth2}
	err := a.Validate()
	require.Error(t, err)

	a.ClientSecret = Secret{Env: "OKTA_SECRET"}
	assert.NoError(t, a.Validate())
}

func TestTLSValidateRequiresKeyWithCert(t *testing.T) {
	t.Parallel()

	tls := TLSConfig{ClientCert: "cert.pem"}
	err := tls.Validate()
	require.Error(t, err)

	tls.ClientKey = "key.pem"
	assert.NoError(t, tls.Validate())
}

func TestApplyDefaultsFillsRetryAndCircuitBreaker(t *testing.T) {
	t.Parallel()

	s := SourceConfig{ID: "github", URL: "https://api.github.com/logs"}
	s.ApplyDefaults()

	assert.Equal(t, "GET", s.Method)
	assert.Equal(t, CheckpointEndOfTick, s.Checkpoint)
	assert.Equal(t, 100000, s.Dedupe.Capacity)
	assert.Equal(t, 3, s.Resilience.Retry.MaxAttempts)
	assert.Equal(t, []int{408, 429}, s.Resilience.Retry.RetryableStatusCodes)
	assert.Equal(t, 5, s.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "github", s.SourceLabelValue)
}

func TestApplyDefaultsPaginationByType(t *testing.T) {
	t.Parallel()

	link := SourceConfig{Pagination: PaginationConfig{Type: PaginationLinkHeader}}
	link.ApplyDefaults()
	assert.Equal(t, "next", link.Pagination.Rel)

	cursor := SourceConfig{Pagination: PaginationConfig{Type: PaginationCursor}}
	cursor.ApplyDefaults()
	assert.Equal(t, "cursor", cursor.Pagination.CursorParam)
	assert.Equal(t, OnCursorErrorFail, cursor.Pagination.OnCursorError)

	offset := SourceConfig{Pagination: PaginationConfig{Type: PaginationPageOffset}}
	offset.ApplyDefaults()
	assert.Equal(t, "page", offset.Pagination.PageParam)
	assert.Equal(t, "limit", offset.Pagination.LimitParam)
}

func TestConfigValidateRejectsDuplicateSourceIDs(t *testing.T) {
	t.Parallel()

	cfg := Config{Sources: []SourceConfig{
		{ID: "okta", URL: "https://a", Method: "GET"},
		{ID: "okta", URL: "https://b", Method: "GET"},
	}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestSecretResolvePrefersFileOverEnv(t *testing.T) {

	dir := t.TempDir()
	path := dir + "/token"
	require.NoError(t, os.WriteFile(path, []byte("file-value\n"), 0o600))

	t.Setenv("HEL_TEST_TOKEN", "env-value")
	s := Secret{Env: "HEL_TEST_TOKEN", File: path}
	v, err := s.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "file-value", v)
}
