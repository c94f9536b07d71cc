// Package errors provides coded errors for hybridrank.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and file errors
//   - 3XX: Network errors
//   - 4XX: Validation errors
//   - 5XX: Service and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates store, file and disk errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates service and internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an unrecoverable error, the operation must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull       = "ERR_203_DISK_FULL"
	ErrCodeFileTooLarge   = "ERR_204_FILE_TOO_LARGE"
	ErrCodeCorruptIndex   = "ERR_205_CORRUPT_INDEX"
	ErrCodeStoreFailed    = "ERR_207_STORE_FAILED"

	// Network errors (300-399)
	ErrCodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable = "ERR_302_NETWORK_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_404_QUERY_EMPTY"
	ErrCodeInvalidPath       = "ERR_406_INVALID_PATH"

	// Service and internal errors (500-599)
	ErrCodeInternal           = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed    = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed       = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed     = "ERR_504_CHUNKING_FAILED"
	ErrCodeIndexFailed        = "ERR_505_INDEX_FAILED"
	ErrCodeInvariantViolation = "ERR_506_INVARIANT_VIOLATION"
	ErrCodeRerankFailed       = "ERR_507_RERANK_FAILED"
)

// categoryFromCode extracts the category from the hundreds digit of a code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeDiskFull, ErrCodeInvariantViolation:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether a code denotes a transient failure.
// Store failures are never retried.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable:
		return true
	default:
		return false
	}
}
