package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, 0},
		{"lock held", ErrLockHeld("busy"), 2},
		{"config", ErrConfig("X", "bad"), 3},
		{"verify", ErrVerifyFail("test", "boom"), 4},
		{"lm", ErrLM("Y", "down"), 5},
		{"git", ErrGit("Z", "conflict"), 1},
		{"state", ErrStateCorrupt("f.json", nil), 1},
		{"plain", errors.New("other"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, ExitCode(tc.err))
		})
	}
}

func TestExitCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrVerifyFail("build", "make failed"))
	assert.Equal(t, 4, ExitCode(err))
}

func TestDomainError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("io")
	err := ErrStateCorrupt("x.json", cause)

	require.ErrorIs(t, err, cause)

	var domErr *DomainError
	require.ErrorAs(t, error(err), &domErr)
	assert.Equal(t, ErrCatState, domErr.Category)
	assert.Equal(t, CodeStateCorrupt, domErr.Code)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimit("slow down")))
	assert.True(t, IsRetryable(ErrTimeout("too long")))
	assert.False(t, IsRetryable(ErrConfig("X", "bad")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	err := ErrBoundary("secret/key.pem", "secret/")
	assert.Equal(t, "secret/key.pem", err.Details["path"])
	assert.Equal(t, "secret/", err.Details["pattern"])
}
