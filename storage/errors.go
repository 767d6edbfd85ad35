package storage

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of buffer pool errors
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota

	// No free frame and the replacer yields no victim (pool fully pinned)
	ErrCodeResourceExhausted

	// Page is not resident
	ErrCodeNotFound

	// Caller protocol violation, e.g. pin count underflow or a released guard
	ErrCodeInvalidState

	// Failure propagated from the Storage collaborator
	ErrCodeIO

	// Invalid construction-time configuration
	ErrCodeInvalidConfig

	// Caller gave up waiting (context cancelled or deadline exceeded)
	ErrCodeCancelled
)

// String returns the name of the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeResourceExhausted:
		return "ResourceExhausted"
	case ErrCodeNotFound:
		return "NotFound"
	case ErrCodeInvalidState:
		return "InvalidState"
	case ErrCodeIO:
		return "IoError"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// PoolError represents a buffer pool error with context
type PoolError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrResourceExhausted = &PoolError{Code: ErrCodeResourceExhausted, Message: "buffer pool exhausted"}
	ErrNotFound          = &PoolError{Code: ErrCodeNotFound, Message: "page not resident"}
	ErrInvalidState      = &PoolError{Code: ErrCodeInvalidState, Message: "invalid state"}
	ErrIO                = &PoolError{Code: ErrCodeIO, Message: "storage I/O failed"}
	ErrInvalidConfig     = &PoolError{Code: ErrCodeInvalidConfig, Message: "invalid configuration"}
	ErrCancelled         = &PoolError{Code: ErrCodeCancelled, Message: "operation cancelled"}
)

// Error implements the error interface
func (e *PoolError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PoolError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a specific error code
func (e *PoolError) Is(target error) bool {
	if t, ok := target.(*PoolError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewPoolError creates a new buffer pool error
func NewPoolError(code ErrorCode, op, message string, err error) *PoolError {
	return &PoolError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

func errResourceExhausted(op string, pool string) *PoolError {
	return NewPoolError(
		ErrCodeResourceExhausted,
		op,
		fmt.Sprintf("no free frame in pool %q and every candidate is pinned", pool),
		nil,
	)
}

func errNotFound(op string, pageID PageID) *PoolError {
	return NewPoolError(
		ErrCodeNotFound,
		op,
		fmt.Sprintf("page %d not resident", pageID),
		nil,
	)
}

func errPinUnderflow(op string, pageID PageID) *PoolError {
	return NewPoolError(
		ErrCodeInvalidState,
		op,
		fmt.Sprintf("pin count underflow on page %d (unpin without matching pin)", pageID),
		nil,
	)
}

func errIO(op string, pageID PageID, err error) *PoolError {
	return NewPoolError(
		ErrCodeIO,
		op,
		fmt.Sprintf("storage I/O failed for page %d", pageID),
		err,
	)
}

func errCancelled(op string, err error) *PoolError {
	return NewPoolError(ErrCodeCancelled, op, "caller gave up waiting", err)
}

func errInvalidConfig(format string, args ...any) *PoolError {
	return NewPoolError(ErrCodeInvalidConfig, "config", fmt.Sprintf(format, args...), nil)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}
