package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/domain"
)

func TestAsAppError_SentinelMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid argument", domain.ErrInvalidArgument, domain.CodeValidationError},
		{"not found", domain.ErrNotFound, domain.CodeNotFound},
		{"forbidden", domain.ErrForbidden, domain.CodeForbidden},
		{"already completed", domain.ErrAlreadyCompleted, domain.CodeAlreadyCompleted},
		{"rate limited", domain.ErrRateLimited, domain.CodeRateLimitExceeded},
		{"queue full", domain.ErrQueueFull, domain.CodeQueueFull},
		{"timeout", domain.ErrTimeout, domain.CodeTimeoutError},
		{"state persistence", domain.ErrStatePersistence, domain.CodeStatePersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("op=test: %w", tt.err)
			ae := domain.AsAppError(wrapped)
			require.NotNil(t, ae)
			assert.Equal(t, tt.code, ae.Code)
		})
	}
}

func TestAsAppError_PassesThroughExplicitCode(t *testing.T) {
	t.Parallel()
	orig := domain.NewAppError(domain.CodeSyntaxError, "unexpected token").WithDetail("line", 3)
	wrapped := fmt.Errorf("validate: %w", orig)
	ae := domain.AsAppError(wrapped)
	require.Same(t, orig, ae)
	assert.Equal(t, 3, ae.Details["line"])
}

func TestAsAppError_Nil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, domain.AsAppError(nil))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.IsTransient(domain.ErrTransient))
	assert.True(t, domain.IsTransient(domain.ErrStatePersistence))
	// Deadline and user errors are never retried.
	assert.False(t, domain.IsTransient(domain.ErrTimeout))
	assert.False(t, domain.IsTransient(domain.ErrInvalidArgument))
	assert.False(t, domain.IsTransient(nil))
	assert.False(t, domain.IsTransient(errors.New("plain")))
}
