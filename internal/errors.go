package internal

import (
	"fmt"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrUnsupportedInput ErrorType = iota
	ErrAuthRequired
	ErrSigningKey
	ErrAPIRejected
	ErrNetwork
	ErrNetworkTimeout
	ErrInvalidResponse
	ErrDownloadFailed
	ErrDiskSpace
	ErrFilesystem
	ErrMergeFailed
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// BiliError represents a platform-specific error with detailed information.
// Code carries the platform's JSON envelope code verbatim when the error
// originated from an API response.
type BiliError struct {
	Code       int           `json:"code"`
	Message    string        `json:"message"`
	Type       ErrorType     `json:"type"`
	Severity   ErrorSeverity `json:"severity"`
	URL        string        `json:"url,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Err        error         `json:"-"`
}

// Error implements the error interface
func (e *BiliError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("bilibili error (code: %d, type: %s)", e.Code, e.Type.String()))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *BiliError) Unwrap() error {
	return e.Err
}

// DetailedError returns a detailed error message with all available information
func (e *BiliError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", Redact(e.URL)))
	}

	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Err))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrUnsupportedInput:
		return "UnsupportedInput"
	case ErrAuthRequired:
		return "AuthRequired"
	case ErrSigningKey:
		return "SigningKey"
	case ErrAPIRejected:
		return "APIRejected"
	case ErrNetwork:
		return "Network"
	case ErrNetworkTimeout:
		return "NetworkTimeout"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrDownloadFailed:
		return "DownloadFailed"
	case ErrDiskSpace:
		return "DiskSpace"
	case ErrFilesystem:
		return "Filesystem"
	case ErrMergeFailed:
		return "MergeFailed"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewBiliError creates a new BiliError with detailed information
func NewBiliError(code int, message string, errorType ErrorType) *BiliError {
	return &BiliError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
	}
}

// WithSuggestion adds a custom suggestion to the error
func (e *BiliError) WithSuggestion(suggestion string) *BiliError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (redacted in logs)
func (e *BiliError) WithURL(url string) *BiliError {
	e.URL = url
	return e
}

// WithCause wraps an underlying error
func (e *BiliError) WithCause(err error) *BiliError {
	e.Err = err
	return e
}

// IsRetryable returns true if the error is retryable
func (e *BiliError) IsRetryable() bool {
	switch e.Type {
	case ErrNetwork, ErrNetworkTimeout:
		return true
	case ErrInvalidResponse:
		return e.Code >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *BiliError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string      `json:"field"`
	Message    string      `json:"message"`
	Value      interface{} `json:"value,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrUnsupportedInput:
		return "Provide a video link, a BV/av identifier, an ep/ss/md bangumi identifier, a b23.tv short link, or a space.bilibili.com profile URL"
	case ErrAuthRequired:
		return "Provide valid session cookies via --sessdata and --user-id or the BILIFETCH_SESSDATA / BILIFETCH_USER_ID environment variables"
	case ErrSigningKey:
		return "The signing key refresh failed. Check connectivity to api.bilibili.com and retry"
	case ErrAPIRejected:
		if code == -412 {
			return "The platform flagged the request. Provide full session cookies and a realistic user agent, then retry later"
		}
		return "The platform rejected the request. The message above is the platform's own description"
	case ErrNetwork:
		return "Check your internet connection and try again. Consider using --proxy if the CDN is unreachable"
	case ErrNetworkTimeout:
		return "The connection went idle for too long. Retry, or raise --timeout for slow links"
	case ErrInvalidResponse:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		return "Invalid response from server. The API might have changed or the link is invalid"
	case ErrDownloadFailed:
		return "Download failed. Check available disk space and network connection"
	case ErrDiskSpace:
		return "Insufficient disk space. Free up space or choose a different output directory"
	case ErrFilesystem:
		return "Check file/directory permissions for the output path"
	case ErrMergeFailed:
		return "ffmpeg failed to merge the streams. The elementary files were kept; check the ffmpeg output in the log"
	default:
		return "Please check the error details and try again"
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrNetwork, ErrNetworkTimeout:
		return SeverityWarning
	case ErrUnsupportedInput, ErrAuthRequired, ErrAPIRejected, ErrMergeFailed:
		return SeverityError
	case ErrSigningKey, ErrDiskSpace, ErrFilesystem:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Common error constructors for frequently used errors

// NewUnsupportedInputError creates an error for unrecognized identifiers
func NewUnsupportedInputError(input string) *BiliError {
	return NewBiliError(0, fmt.Sprintf("unsupported link format: %q", input), ErrUnsupportedInput)
}

// NewAPIError creates an error from a non-zero platform envelope code,
// carrying the platform's message text verbatim
func NewAPIError(code int, message string) *BiliError {
	return NewBiliError(code, message, ErrAPIRejected)
}

// NewAuthRequiredError creates an error for missing or incomplete credentials
func NewAuthRequiredError(message string) *BiliError {
	return NewBiliError(0, message, ErrAuthRequired)
}

// NewSigningKeyError creates an error for a failed signing-key refresh
func NewSigningKeyError(reason string, cause error) *BiliError {
	return NewBiliError(0, fmt.Sprintf("signing key refresh failed: %s", reason), ErrSigningKey).
		WithCause(cause)
}

// NewNetworkError creates an error for transport failures
func NewNetworkError(operation string, cause error) *BiliError {
	return NewBiliError(0, fmt.Sprintf("network failure during %s", operation), ErrNetwork).
		WithCause(cause)
}

// NewNetworkTimeoutError creates an error for idle-timeout expiry
func NewNetworkTimeoutError(operation string) *BiliError {
	return NewBiliError(0, fmt.Sprintf("connection idle timeout during %s", operation), ErrNetworkTimeout)
}

// NewDownloadFailedError creates a task-level download failure
func NewDownloadFailedError(track TrackType, cause error) *BiliError {
	return NewBiliError(0, fmt.Sprintf("%s track download failed", track), ErrDownloadFailed).
		WithCause(cause)
}

// NewDiskSpaceError creates an error for insufficient destination space
func NewDiskSpaceError(path string, required, available int64) *BiliError {
	return NewBiliError(0, fmt.Sprintf("insufficient disk space for %s: need %d bytes, have %d", path, required, available), ErrDiskSpace)
}

// NewMergeError creates an error for a failed mux step
func NewMergeError(output string) *BiliError {
	return NewBiliError(0, "stream merge failed", ErrMergeFailed).
		WithSuggestion(fmt.Sprintf("ffmpeg reported: %s", strings.TrimSpace(output)))
}
