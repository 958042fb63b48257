// Package errors defines the closed set of failure categories surfaced to
// the invoking environment, each with a stable exit code.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a process exit code. Values are stable: service managers branch
// on them.
type Code int

const (
	CodeSuccess         Code = 0
	CodeWarning         Code = 1
	CodeError           Code = 2
	CodePluginError     Code = 3
	CodeIntegrityFailed Code = 4
	CodeSignatureFailed Code = 5
	CodeBootFailed      Code = 6
	CodeSensorError     Code = 7
	CodeIndicatorError  Code = 8
	CodeNetworkFailed   Code = 9
	CodeConfigError     Code = 10
	CodeDependencyError Code = 11
)

var codeNames = map[Code]string{
	CodeSuccess:         "success",
	CodeWarning:         "warning",
	CodeError:           "error",
	CodePluginError:     "plugin error",
	CodeIntegrityFailed: "integrity verification failed",
	CodeSignatureFailed: "signature verification failed",
	CodeBootFailed:      "boot failed",
	CodeSensorError:     "sensor error",
	CodeIndicatorError:  "indicator error",
	CodeNetworkFailed:   "network failed",
	CodeConfigError:     "configuration error",
	CodeDependencyError: "dependency error",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a categorized failure with optional forensic details.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// Convenience constructors, one per category.

func IntegrityFailed(failedPaths []string) *Error {
	return New(CodeIntegrityFailed, "integrity verification failed", nil).
		WithDetail("failed_paths", strings.Join(failedPaths, ","))
}

func SignatureFailed(cause error) *Error {
	return New(CodeSignatureFailed, "signature verification failed", cause)
}

func BootFailed(reason string, cause error) *Error {
	return New(CodeBootFailed, "boot failed: "+reason, cause)
}

func PluginError(name string, cause error) *Error {
	return New(CodePluginError, "plugin subsystem error", cause).WithDetail("plugin", name)
}

func SensorError(cause error) *Error {
	return New(CodeSensorError, "sensor read failed", cause)
}

func IndicatorError(cause error) *Error {
	return New(CodeIndicatorError, "indicator update failed", cause)
}

func NetworkFailed(cause error) *Error {
	return New(CodeNetworkFailed, "network check failed", cause)
}

func ConfigError(message string, cause error) *Error {
	return New(CodeConfigError, "invalid configuration: "+message, cause)
}

func DependencyError(what string, cause error) *Error {
	return New(CodeDependencyError, "missing dependency: "+what, cause)
}

// Warning marks a run that completed but observed degraded state.
func Warning(message string) *Error {
	return New(CodeWarning, message, nil)
}

// GetCode extracts the code from an error chain. Uncategorized errors map
// to CodeError.
func GetCode(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeError
}

// ExitCode is GetCode as a process exit status.
func ExitCode(err error) int {
	return int(GetCode(err))
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}
