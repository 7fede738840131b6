// Package errors provides structured error handling for reviewloop.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (files, database, caches)
//   - 3XX: Network errors (embedding service, LLM, GitHub)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates file, database, and cache errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound    = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid     = "ERR_102_CONFIG_INVALID"
	ErrCodeMissingCredential = "ERR_103_MISSING_CREDENTIAL"

	// Storage errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeFileTooLarge   = "ERR_203_FILE_TOO_LARGE"
	ErrCodeDBConnection   = "ERR_210_DB_CONNECTION"
	ErrCodeDBQuery        = "ERR_211_DB_QUERY"
	ErrCodeTableMissing   = "ERR_212_TABLE_MISSING"
	ErrCodeIndexCorrupt   = "ERR_213_INDEX_CORRUPT"
	ErrCodeLegacyVectors  = "ERR_214_LEGACY_VECTORS"
	ErrCodeLockHeld       = "ERR_215_LOCK_HELD"
	ErrCodeCacheRead      = "ERR_220_CACHE_READ"
	ErrCodeCacheWrite     = "ERR_221_CACHE_WRITE"

	// Network errors (300-399)
	ErrCodeTimeout            = "ERR_301_TIMEOUT"
	ErrCodeNetwork            = "ERR_302_NETWORK"
	ErrCodeServiceUnavailable = "ERR_303_SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        = "ERR_304_RATE_LIMITED"
	ErrCodeAuth               = "ERR_305_AUTH"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeParse             = "ERR_403_PARSE"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeLLMResponse     = "ERR_503_LLM_RESPONSE"
	ErrCodeGitCommand      = "ERR_504_GIT_COMMAND"
	ErrCodeCancelled       = "ERR_505_CANCELLED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "210" from "ERR_210_DB_CONNECTION".
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
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
	case ErrCodeIndexCorrupt:
		return SeverityFatal
	case ErrCodeLegacyVectors:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode reports whether an error code represents a transient
// failure worth retrying. Rate limits are excluded: callers schedule their
// own wait based on the server's reset hint.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetwork, ErrCodeServiceUnavailable, ErrCodeTimeout,
		ErrCodeCacheRead, ErrCodeCacheWrite, ErrCodeDBConnection:
		return true
	default:
		return false
	}
}
