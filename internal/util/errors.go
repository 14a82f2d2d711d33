package util

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode identifies the kind of a mountebank error on the wire
type ErrorCode string

const (
	// ValidationError represents malformed predicate, response or behavior configuration
	ValidationError ErrorCode = "bad data"
	// InjectionError represents failures in user-supplied JavaScript
	InjectionError ErrorCode = "invalid injection"
	// InvalidProxyError represents proxy destination failures
	InvalidProxyError ErrorCode = "invalid proxy"
	// ProtocolError represents protocol-specific errors
	ProtocolError ErrorCode = "cannot start server"
	// MissingResourceError represents missing resource errors
	MissingResourceError ErrorCode = "no such resource"
	// ResourceConflictError represents port collisions and similar conflicts
	ResourceConflictError ErrorCode = "resource conflict"
	// InsufficientAccessError represents authorization errors
	InsufficientAccessError ErrorCode = "insufficient access"
)

// MountebankError represents a mountebank-specific error
type MountebankError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Source  interface{} `json:"source,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *MountebankError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    ValidationError,
		Message: message,
		Source:  source,
	}
}

// NewInjectionError creates a new injection error
func NewInjectionError(message string, source interface{}, data interface{}) *MountebankError {
	return &MountebankError{
		Code:    InjectionError,
		Message: message,
		Source:  source,
		Data:    data,
	}
}

// NewInvalidProxyError creates a new proxy error
func NewInvalidProxyError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    InvalidProxyError,
		Message: message,
		Source:  source,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, source interface{}, data interface{}) *MountebankError {
	return &MountebankError{
		Code:    ProtocolError,
		Message: message,
		Source:  source,
		Data:    data,
	}
}

// NewMissingResourceError creates a new missing resource error
func NewMissingResourceError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    MissingResourceError,
		Message: message,
		Source:  source,
	}
}

// NewResourceConflictError creates a new resource conflict error
func NewResourceConflictError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    ResourceConflictError,
		Message: message,
		Source:  source,
	}
}

// NewInsufficientAccessError creates a new insufficient access error
func NewInsufficientAccessError(message string) *MountebankError {
	return &MountebankError{
		Code:    InsufficientAccessError,
		Message: message,
	}
}

// CodeOf returns the mountebank error code carried by err, or "" for foreign errors
func CodeOf(err error) ErrorCode {
	var mbErr *MountebankError
	if errors.As(err, &mbErr) {
		return mbErr.Code
	}
	return ""
}

// ErrorList collects configuration errors so they can be reported together
type ErrorList []error

// Add appends err if it is not nil; nested lists are flattened
func (l *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	var nested ErrorList
	if errors.As(err, &nested) {
		*l = append(*l, nested...)
		return
	}
	*l = append(*l, err)
}

// Err returns nil for an empty list and the list itself otherwise
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Error implements the error interface
func (l ErrorList) Error() string {
	messages := make([]string, 0, len(l))
	for _, err := range l {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ErrorBody is the structured error payload returned to clients
type ErrorBody struct {
	Errors []*MountebankError `json:"errors"`
}

// ErrorResponseFor converts any error into a status code and structured body
func ErrorResponseFor(err error) (int, ErrorBody) {
	var list ErrorList
	if !errors.As(err, &list) {
		list = ErrorList{err}
	}

	body := ErrorBody{Errors: make([]*MountebankError, 0, len(list))}
	status := http.StatusBadRequest
	for _, item := range list {
		var mbErr *MountebankError
		if errors.As(item, &mbErr) {
			body.Errors = append(body.Errors, mbErr)
			switch mbErr.Code {
			case MissingResourceError:
				status = http.StatusNotFound
			case InsufficientAccessError:
				status = http.StatusUnauthorized
			case InvalidProxyError:
				status = http.StatusInternalServerError
			}
			continue
		}
		status = http.StatusInternalServerError
		body.Errors = append(body.Errors, &MountebankError{Code: "internal error", Message: item.Error()})
	}
	return status, body
}
