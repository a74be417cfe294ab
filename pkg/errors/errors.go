// Package errors provides structured error types for the zerobrew install pipeline.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the planner and the CLI
//   - Machine-readable error codes for programmatic handling
//   - Error wrapping with context preservation
//   - Attaching the failing package name to any component error
//
// # Error Codes
//
// Each code identifies one failure class of the pipeline, from catalog
// resolution (UNKNOWN_FORMULA, NO_BOTTLE) through acquisition (FETCH_FAILED,
// DIGEST_MISMATCH) to emission (MATERIALIZE_CONFLICT, LINK_CONFLICT, DB_ERROR).
//
// # Usage
//
//	err := errors.New(errors.CodeUnknownFormula, "unknown formula %q", name)
//	if errors.Is(err, errors.CodeUnknownFormula) {
//	    // Handle missing formula
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.CodeFetchFailed, origErr, "download %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for the install pipeline failure classes.
const (
	// Resolution errors
	CodeUnknownFormula  Code = "UNKNOWN_FORMULA"
	CodeNoBottle        Code = "NO_BOTTLE"
	CodeDependencyCycle Code = "DEPENDENCY_CYCLE"

	// Acquisition errors
	CodeFetchFailed    Code = "FETCH_FAILED"
	CodeDigestMismatch Code = "DIGEST_MISMATCH"

	// Extraction errors
	CodeUnsafePath       Code = "UNSAFE_PATH"
	CodeUnsupportedEntry Code = "UNSUPPORTED_ENTRY"
	CodeExtractFailed    Code = "EXTRACT_FAILED"

	// Materialization errors
	CodeCloneUnsupported    Code = "CLONE_UNSUPPORTED"
	CodeRelocationFailed    Code = "RELOCATION_FAILED"
	CodeMaterializeConflict Code = "MATERIALIZE_CONFLICT"
	CodeMaterializeFailed   Code = "MATERIALIZE_FAILED"

	// Linking errors
	CodeLinkConflict Code = "LINK_CONFLICT"

	// State errors
	CodeDBError      Code = "DB_ERROR"
	CodeLockTimeout  Code = "LOCK_TIMEOUT"
	CodeNotInstalled Code = "NOT_INSTALLED"
	CodeRequired     Code = "REQUIRED"
	CodeCancelled    Code = "CANCELLED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err carries the given error code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// NodeError attaches the identity of the failing package to a component
// error. The planner wraps every per-node failure in a NodeError so the CLI
// can render one line per failing package.
type NodeError struct {
	Name string // Package name the failure belongs to
	Err  error  // Underlying component error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

// Unwrap returns the component error.
func (e *NodeError) Unwrap() error { return e.Err }

// AttachNode wraps err in a NodeError for the named package.
// A nil err returns nil; an err already attached to the same name is
// returned unchanged.
func AttachNode(name string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NodeError
	if errors.As(err, &ne) && ne.Name == name {
		return err
	}
	return &NodeError{Name: name, Err: err}
}

// Nodes flattens err into its per-package failures. A joined error
// (errors.Join) yields one entry per NodeError inside it; a bare error
// yields a single entry with an empty name.
func Nodes(err error) []*NodeError {
	if err == nil {
		return nil
	}
	type multi interface{ Unwrap() []error }
	if m, ok := err.(multi); ok {
		var out []*NodeError
		for _, e := range m.Unwrap() {
			out = append(out, Nodes(e)...)
		}
		return out
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		return []*NodeError{ne}
	}
	return []*NodeError{{Err: err}}
}
