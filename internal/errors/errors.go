package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	TypeDependency ErrorType = "Dependency" // Missing native tool (e.g. pg_dump)
	TypeConnection ErrorType = "Connection" // Database or remote unreachable
	TypeAuth       ErrorType = "Auth"       // Basic auth, SSH keys, TLS certs
	TypeIntegrity  ErrorType = "Integrity"  // Checksum mismatch, corrupt header
	TypeSecurity   ErrorType = "Security"   // Encryption/decryption failure, missing key
	TypeConfig     ErrorType = "Config"     // Invalid flags, missing required params
	TypeResource   ErrorType = "Resource"   // Permission denied, out of space, file not found
	TypeInternal   ErrorType = "Internal"   // Unexpected internal failure

	TypeSpawn     ErrorType = "Spawn"     // Child process could not be started
	TypeProcess   ErrorType = "Process"   // Child process exited non-zero
	TypeTimeout   ErrorType = "Timeout"   // Operation exceeded its wall-clock ceiling
	TypeConflict  ErrorType = "Conflict"  // Destination conflict resolved as abort
	TypeCleanup   ErrorType = "Cleanup"   // Partial output could not be removed
	TypeSignal    ErrorType = "Signal"    // Progress signal source unavailable
	TypeCancelled ErrorType = "Cancelled" // Explicit cancel request
)

// AppError is a rich error type that provides categorize and hints for users.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Hint    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// IsType reports whether any AppError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Err
	}
	return false
}

// TypeOf returns the type of the outermost AppError, or TypeInternal.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeInternal
}

// HintOf returns the first non-empty hint in err's chain.
func HintOf(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Hint != "" {
			return appErr.Hint
		}
		err = appErr.Err
	}
	return ""
}

// ProcessError carries the exit status of a failed child process.
type ProcessError struct {
	Command string
	Code    int
	Stderr  []string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

var (
	ErrIntegrityMismatch = New(TypeIntegrity, "Integrity failure", "The backup file may be corrupt or tampered with. Verify the source integrity.")
	ErrConflictAborted   = New(TypeConflict, "restore aborted: destination already exists", "Choose overwrite or rename to continue.")
	ErrCancelled         = New(TypeCancelled, "operation cancelled", "")
)
