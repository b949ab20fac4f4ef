// Package errors provides structured error handling for meltscan operations.
// It defines error codes, error types, and utilities for creating and
// inspecting errors with structured context.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Run configuration errors. These are fatal to a scan run and are
	// reported before any job executes.
	CodeNoTargets     ErrorCode = "NO_TARGETS"
	CodeNoPorts       ErrorCode = "NO_PORTS"
	CodeNoProtocol    ErrorCode = "NO_PROTOCOL"
	CodeBadTimeout    ErrorCode = "BAD_TIMEOUT"
	CodeBadMode       ErrorCode = "BAD_MODE"
	CodePresetUnknown ErrorCode = "PRESET_UNKNOWN"

	// Probe errors. These never abort a run; they surface as a result row.
	CodeProbeFailed    ErrorCode = "PROBE_FAILED"
	CodeRawUnavailable ErrorCode = "RAW_UNAVAILABLE"

	// Discovery errors.
	CodeDiscoveryFailed ErrorCode = "DISCOVERY_FAILED"
	CodeNetworkInvalid  ErrorCode = "NETWORK_INVALID"

	// Storage errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseSchema     ErrorCode = "DATABASE_SCHEMA"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"

	// Export errors. Non-fatal: the in-memory result set remains intact.
	CodeExportFailed ErrorCode = "EXPORT_FAILED"
	CodeExportFormat ErrorCode = "EXPORT_FORMAT"
)

// ScanError represents an error that occurred while preparing or running
// a scan.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Port    int
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	switch {
	case e.Target != "" && e.Port > 0:
		return fmt.Sprintf("[%s] %s (target: %s:%d)", e.Code, e.Message, e.Target, e.Port)
	case e.Target != "":
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// WrapProbeError wraps a probe failure with its target and port.
func WrapProbeError(target string, port int, err error) *ScanError {
	return &ScanError{
		Code:    CodeProbeFailed,
		Message: "Probe failed",
		Target:  target,
		Port:    port,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// DatabaseError represents scan-history storage errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// DiscoveryError represents host discovery errors.
type DiscoveryError struct {
	Code    ErrorCode
	Message string
	Network string
	Cause   error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	if e.Network != "" {
		return fmt.Sprintf("[%s] %s (network: %s)", e.Code, e.Message, e.Network)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// NewDiscoveryError creates a new discovery error for a network.
func NewDiscoveryError(code ErrorCode, message, network string) *DiscoveryError {
	return &DiscoveryError{
		Code:    code,
		Message: message,
		Network: network,
	}
}

// WrapDiscoveryError wraps an existing error as a discovery error.
func WrapDiscoveryError(code ErrorCode, message, network string, err error) *DiscoveryError {
	return &DiscoveryError{
		Code:    code,
		Message: message,
		Network: network,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ExportError represents a result export failure. Export failures are
// reported as notices; they never invalidate the in-memory results.
type ExportError struct {
	Code  ErrorCode
	Path  string
	Cause error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] export failed (path: %s)", e.Code, e.Path)
	}
	return fmt.Sprintf("[%s] export failed", e.Code)
}

// Unwrap returns the underlying error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates an export error for a path.
func NewExportError(path string, err error) *ExportError {
	return &ExportError{
		Code:  CodeExportFailed,
		Path:  path,
		Cause: err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *DiscoveryError:
		return e.Code
	case *ConfigError:
		return e.Code
	case *ExportError:
		return e.Code
	}
	return CodeUnknown
}

// IsConfigError reports whether an error is fatal to a run before it
// starts (empty targets, empty ports, no protocol, bad timeout).
func IsConfigError(err error) bool {
	switch GetCode(err) {
	case CodeNoTargets, CodeNoPorts, CodeNoProtocol, CodeBadTimeout, CodeBadMode,
		CodeConfiguration, CodeValidation, CodePresetUnknown:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should
// stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodePermission, CodeConfiguration, CodeDatabaseSchema:
		return true
	default:
		return IsConfigError(err)
	}
}

// Common error creation functions

// ErrNoTargets creates the configuration error for an empty resolved
// target list.
func ErrNoTargets() *ScanError {
	return NewScanError(CodeNoTargets, "Nenhum alvo válido especificado")
}

// ErrNoPorts creates the configuration error for an empty resolved
// port set.
func ErrNoPorts() *ScanError {
	return NewScanError(CodeNoPorts, "Nenhuma porta válida especificada")
}

// ErrNoProtocol creates the configuration error for a run with neither
// TCP nor UDP enabled.
func ErrNoProtocol() *ScanError {
	return NewScanError(CodeNoProtocol, "Especifique pelo menos um protocolo (--tcp ou --udp)")
}

// ErrBadTimeout creates the configuration error for a non-positive timeout.
func ErrBadTimeout(value interface{}) *ScanError {
	return NewScanError(CodeBadTimeout, "Timeout deve ser maior que zero").
		WithContext("value", value)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}
