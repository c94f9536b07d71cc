package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

func TestMapError_Nil(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, "timed out"},
		{"canceled", fmt.Errorf("search: %w", context.Canceled), ErrCodeTimeout, "canceled"},
		{"wrapped deadline in app error", apperrors.New(apperrors.ErrCodeSearchFailed, "search", context.DeadlineExceeded), ErrCodeTimeout, "timed out"},
		{"empty query", apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil), ErrCodeInvalidParams, "query is empty"},
		{"invalid input", apperrors.New(apperrors.ErrCodeInvalidInput, "limit too large", nil), ErrCodeInvalidParams, "limit too large"},
		{"file not found", apperrors.New(apperrors.ErrCodeFileNotFound, "gone", nil), ErrCodeFileNotFound, "gone"},
		{"file too large", apperrors.New(apperrors.ErrCodeFileTooLarge, "big", nil), ErrCodeFileTooLarge, "big"},
		{"invariant", apperrors.New(apperrors.ErrCodeInvariantViolation, "orphans", nil), ErrCodeIndexNotFound, "orphans"},
		{"embedding", apperrors.New(apperrors.ErrCodeEmbeddingFailed, "ollama down", nil), ErrCodeEmbeddingFailed, "ollama down"},
		{"network", apperrors.New(apperrors.ErrCodeNetworkUnavailable, "no route", nil), ErrCodeTimeout, "no route"},
		{"store", apperrors.New(apperrors.ErrCodeStoreFailed, "locked", nil), ErrCodeInternalError, "locked"},
		{"unknown", errors.New("boom"), ErrCodeInternalError, "Internal server error"},
		{"already mapped", NewInvalidParamsError("bad"), ErrCodeInvalidParams, "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)

			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Contains(t, got.Message, tt.wantMsg)
		})
	}
}

func TestMapError_IncludesSuggestion(t *testing.T) {
	err := apperrors.New(apperrors.ErrCodeCorruptIndex, "index unreadable", nil).
		WithSuggestion("Run 'hybridrank index --force'.")

	got := MapError(err)

	assert.Equal(t, ErrCodeIndexNotFound, got.Code)
	assert.Equal(t, "index unreadable Run 'hybridrank index --force'.", got.Message)
}

func TestMCPError_Error(t *testing.T) {
	err := &MCPError{Code: ErrCodeInvalidParams, Message: "bad"}
	assert.Equal(t, "MCP error -32602: bad", err.Error())
}
