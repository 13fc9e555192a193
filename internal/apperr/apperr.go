// Package apperr defines the error codes surfaced at the HTTP boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeUnauthenticated       Code = "unauthenticated"
	CodeCartMismatch          Code = "cart_mismatch"
	CodeEmptyLineItems        Code = "empty_line_items"
	CodeMetadataTooLarge      Code = "metadata_too_large"
	CodeCatalogUnavailable    Code = "catalog_unavailable"
	CodePaymentProcessor      Code = "payment_processor_error"
	CodeInvalidSignature      Code = "invalid_signature"
	CodeOrderNotFound         Code = "order_not_found"
	CodeForbidden             Code = "forbidden"
	CodeInternalInconsistency Code = "internal_inconsistency"
	CodeNotFound              Code = "not_found"
	CodeInvalidRequest        Code = "invalid_request"
	CodeValidationFailed      Code = "validation_failed"
	CodeInternal              Code = "internal_error"
)

// Error carries a code and a message that is safe to show to callers.
// Err holds the underlying cause for server-side logging only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an Error around a cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Public returns the code and a message suitable for a response body.
// Errors that are not *Error never leak their text.
func Public(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal && e.Code != CodeInternalInconsistency {
		return e.Code, e.Message
	}
	if errors.As(err, &e) {
		return e.Code, "internal server error"
	}
	return CodeInternal, "internal server error"
}

// HTTPStatus maps a code to a response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeOrderNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeCartMismatch:
		return http.StatusConflict
	case CodeEmptyLineItems, CodeMetadataTooLarge, CodeInvalidRequest, CodeValidationFailed, CodeInvalidSignature:
		return http.StatusBadRequest
	case CodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	case CodePaymentProcessor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
