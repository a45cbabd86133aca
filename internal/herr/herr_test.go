package herr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormatting(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := New(KindHTTPStatus, "okta", cause).WithStatus(500)
	assert.Contains(t, err.Error(), "http_status")
	assert.Contains(t, err.Error(), "okta")
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := New(KindCircuitOpen, "github", nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindCircuitOpen, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsMatchesByKindOnly(t *testing.T) {
	t.Parallel()

	a := New(KindRateLimited, "src-a", errors.New("x"))
	b := New(KindRateLimited, "src-b", errors.New("y"))
	assert.True(t, errors.Is(a, b))

	c := New(KindParseError, "src-a", nil)
	assert.False(t, errors.Is(a, c))
}
