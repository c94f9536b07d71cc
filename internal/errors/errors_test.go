package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_UnwrapPreservesCause(t *testing.T) {
	// Given: an original error
	cause := errors.New("disk gone")

	// When: wrapping it as a store failure
	err := StoreError("write batch", cause)

	// Then: the cause stays reachable
	require.NotNil(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[ERR_207_STORE_FAILED] write batch", err.Error())
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	a := New(ErrCodeSearchFailed, "first", nil)
	b := New(ErrCodeSearchFailed, "second", nil)
	c := New(ErrCodeRerankFailed, "third", nil)

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestNew_DerivesClassification(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeStoreFailed, CategoryIO, SeverityError, false},
		{ErrCodeCorruptIndex, CategoryIO, SeverityFatal, false},
		{ErrCodeNetworkTimeout, CategoryNetwork, SeverityWarning, true},
		{ErrCodeDimensionMismatch, CategoryValidation, SeverityError, false},
		{ErrCodeEmbeddingFailed, CategoryInternal, SeverityError, false},
		{ErrCodeInvariantViolation, CategoryInternal, SeverityFatal, false},
		{ErrCodeRerankFailed, CategoryInternal, SeverityError, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestHelpers_SeeThroughWrapping(t *testing.T) {
	// Given: an AppError wrapped with fmt.Errorf
	inner := New(ErrCodeEmbeddingFailed, "embed", nil).WithRetryable(true)
	err := fmt.Errorf("index doc a.md: %w", inner)

	// Then: helpers find it in the chain
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrCodeEmbeddingFailed, GetCode(err))
	assert.Equal(t, CategoryInternal, GetCategory(err))
	assert.False(t, IsFatal(err))

	assert.True(t, IsFatal(fmt.Errorf("verify: %w", InvariantError("df mismatch", nil))))
}

func TestHelpers_PlainErrors(t *testing.T) {
	plain := errors.New("plain")
	assert.False(t, IsRetryable(plain))
	assert.False(t, IsFatal(plain))
	assert.Empty(t, GetCode(plain))
	assert.Empty(t, GetCategory(plain))
	assert.False(t, IsRetryable(nil))
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestAppError_WithDetailAndSuggestion(t *testing.T) {
	err := ConfigError("bad limit", nil).
		WithDetail("field", "search.limit").
		WithSuggestion("use a positive value")

	assert.Equal(t, "search.limit", err.Details["field"])
	assert.Equal(t, "use a positive value", err.Suggestion)
	assert.Equal(t, ErrCodeInvalidInput, ValidationError("x", nil).Code)
}
