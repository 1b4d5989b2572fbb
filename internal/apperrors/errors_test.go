package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableAndFatalWrapping(t *testing.T) {
	base := errors.New("connection reset")

	retryable := NewRetryable(base, "append message for chat %s", "c-1")
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsFatal(retryable))
	assert.ErrorIs(t, retryable, base)
	assert.Contains(t, retryable.Error(), "append message for chat c-1")

	fatal := NewFatal(ErrNotFound, "chat lookup")
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsNotFoundError(fatal))
	assert.False(t, IsRetryable(fatal))
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not found", fmt.Errorf("chat x: %w", ErrNotFound), "not_found"},
		{"forbidden", ErrForbidden, "forbidden"},
		{"unauthorized", ErrUnauthorized, "unauthorized"},
		{"validation", fmt.Errorf("%w: text required", ErrValidation), "bad_request"},
		{"bad request", ErrBadRequest, "bad_request"},
		{"rate limited", ErrRateLimited, "rate_limited"},
		{"transient", fmt.Errorf("%w: db down", ErrTransientIO), "unavailable"},
		{"retryable wrapper", NewRetryable(errors.New("boom"), "save"), "unavailable"},
		{"unknown", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestStaleIsNotTransient(t *testing.T) {
	err := fmt.Errorf("chat closed: %w", ErrStale)
	assert.True(t, IsStaleError(err))
	assert.False(t, IsTransientIOError(err))
	assert.False(t, IsRetryable(err))
}
