// Package mcp exposes a hybridrank collection as a Model Context Protocol
// server.
package mcp

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// Custom MCP error codes for hybridrank.
const (
	// ErrCodeIndexNotFound indicates the collection has no usable index.
	ErrCodeIndexNotFound = -32001

	// ErrCodeEmbeddingFailed indicates embedding generation failed.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout = -32003

	// ErrCodeFileNotFound indicates a file no longer exists on disk.
	ErrCodeFileNotFound = -32004

	// ErrCodeFileTooLarge indicates a file is too large to process.
	ErrCodeFileTooLarge = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	// Context errors first: an AppError may wrap them.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return mapAppError(appErr)
	}
	return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

func mapAppError(ae *apperrors.AppError) *MCPError {
	message := ae.Message
	if ae.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ae.Message, ae.Suggestion)
	}

	switch ae.Code {
	case apperrors.ErrCodeFileNotFound:
		return &MCPError{Code: ErrCodeFileNotFound, Message: message}
	case apperrors.ErrCodeFileTooLarge:
		return &MCPError{Code: ErrCodeFileTooLarge, Message: message}
	case apperrors.ErrCodeCorruptIndex, apperrors.ErrCodeInvariantViolation:
		return &MCPError{Code: ErrCodeIndexNotFound, Message: message}
	case apperrors.ErrCodeEmbeddingFailed:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	}

	switch ae.Category {
	case apperrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case apperrors.CategoryNetwork:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
