package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a request did not complete normally.
type Kind string

const (
	KindMalformedRequest  Kind = "malformed_request"
	KindStaleRequest      Kind = "stale_request"
	KindDuplicateRequest  Kind = "duplicate_request"
	KindInvalidSignature  Kind = "invalid_signature"
	KindSecretUnavailable Kind = "secret_unavailable"
	KindMalformedPayload  Kind = "malformed_payload"
	KindBackendTimeout    Kind = "backend_timeout"
	KindBackendError      Kind = "backend_error"
	KindMalformedResponse Kind = "malformed_response"
	KindAdmissionRejected Kind = "admission_rejected"
	KindRateLimited       Kind = "rate_limited"
	KindRequestTimeout    Kind = "request_timeout"
	KindInternal          Kind = "internal"
)

// HTTPStatus maps a kind to the status code returned to the caller.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMalformedRequest, KindMalformedPayload:
		return http.StatusBadRequest
	case KindStaleRequest, KindInvalidSignature:
		return http.StatusUnauthorized
	case KindDuplicateRequest:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAdmissionRejected, KindSecretUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendError, KindMalformedResponse:
		return http.StatusBadGateway
	case KindBackendTimeout, KindRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show to the external caller.
// Backend and dependency failures collapse into generic messages.
func (k Kind) PublicMessage() string {
	switch k {
	case KindMalformedRequest:
		return "Malformed request"
	case KindStaleRequest:
		return "Request timestamp outside allowed window"
	case KindDuplicateRequest:
		return "Duplicate request"
	case KindInvalidSignature:
		return "Invalid signature"
	case KindMalformedPayload:
		return "Invalid event payload"
	case KindAdmissionRejected, KindSecretUnavailable:
		return "Service temporarily unavailable"
	case KindRateLimited:
		return "Too many requests"
	case KindRequestTimeout:
		return "Request timed out"
	case KindBackendTimeout, KindBackendError, KindMalformedResponse:
		return "Upstream processing failed"
	default:
		return "Internal server error"
	}
}

// IsVerificationFailure reports whether the kind is an authentication or
// replay rejection.
func (k Kind) IsVerificationFailure() bool {
	switch k {
	case KindMalformedRequest, KindStaleRequest, KindDuplicateRequest, KindInvalidSignature:
		return true
	}
	return false
}

// GatewayError is a classified error. Msg is for logs only.
type GatewayError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches another *GatewayError by kind so callers can use sentinel
// values with errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// NewError builds a classified error.
func NewError(kind Kind, msg string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Msg: msg, Err: err}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons.
var (
	ErrMalformedRequest  = &GatewayError{Kind: KindMalformedRequest}
	ErrStaleRequest      = &GatewayError{Kind: KindStaleRequest}
	ErrDuplicateRequest  = &GatewayError{Kind: KindDuplicateRequest}
	ErrInvalidSignature  = &GatewayError{Kind: KindInvalidSignature}
	ErrSecretUnavailable = &GatewayError{Kind: KindSecretUnavailable}
	ErrMalformedPayload  = &GatewayError{Kind: KindMalformedPayload}
	ErrBackendTimeout    = &GatewayError{Kind: KindBackendTimeout}
	ErrBackendError      = &GatewayError{Kind: KindBackendError}
	ErrMalformedResponse = &GatewayError{Kind: KindMalformedResponse}
	ErrAdmissionRejected = &GatewayError{Kind: KindAdmissionRejected}
	ErrRateLimited       = &GatewayError{Kind: KindRateLimited}
	ErrRequestTimeout    = &GatewayError{Kind: KindRequestTimeout}
)

// KindOf returns the kind of the first GatewayError in err's chain, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindInternal
}
