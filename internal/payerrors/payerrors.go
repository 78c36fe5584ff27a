// Package payerrors is the closed error taxonomy shared by every payment
// component. Provider, ledger and webhook failures are all folded into a
// single *Error carrying a Kind and a retryable verdict.
package payerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindValidation
	KindAuthentication
	KindAPI
	KindWebhookSignature
	KindRefund
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout_error"
	case KindValidation:
		return "validation_error"
	case KindAuthentication:
		return "authentication_error"
	case KindAPI:
		return "api_error"
	case KindWebhookSignature:
		return "webhook_signature_error"
	case KindRefund:
		return "refund_error"
	default:
		return "unknown_error"
	}
}

// ErrorCode is the canonical code rendered to API clients.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrAuthFailed        ErrorCode = "AUTHENTICATION_FAILED"
	ErrNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrGatewayTimeout    ErrorCode = "GATEWAY_TIMEOUT"
	ErrProviderError     ErrorCode = "PROVIDER_ERROR"
	ErrProviderDown      ErrorCode = "PROVIDER_DOWN"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrInvalidSignature  ErrorCode = "INVALID_SIGNATURE"
	ErrRefundFailed      ErrorCode = "REFUND_FAILED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
)

// Error is the only error type that crosses component boundaries.
// Message is safe to show to users; Detail and Body are diagnostics.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Detail     string
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" && e.Detail != e.Message {
		msg += ": " + e.Detail
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether RetryPolicy may attempt the operation again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindAPI:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// Code maps the error onto the canonical client-facing code.
func (e *Error) Code() ErrorCode {
	switch e.Kind {
	case KindValidation:
		return ErrInvalidRequest
	case KindAuthentication:
		return ErrAuthFailed
	case KindNetwork:
		return ErrNetworkError
	case KindTimeout:
		return ErrGatewayTimeout
	case KindWebhookSignature:
		return ErrInvalidSignature
	case KindRefund:
		return ErrRefundFailed
	case KindAPI:
		switch {
		case e.Status == http.StatusTooManyRequests:
			return ErrRateLimited
		case e.Status == http.StatusNotFound:
			return ErrNotFound
		case e.Status == http.StatusServiceUnavailable:
			return ErrProviderDown
		}
		return ErrProviderError
	default:
		return ErrInternalError
	}
}

// HTTPStatus is the status our own HTTP surface answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindWebhookSignature:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	case KindRefund:
		return http.StatusUnprocessableEntity
	case KindAPI:
		switch {
		case e.Status == http.StatusTooManyRequests, e.Status == http.StatusNotFound, e.Status == http.StatusConflict:
			return e.Status
		case e.Status >= 500 || e.Status == 0:
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Validationf(format string, args ...interface{}) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

// API builds a provider API failure. body is kept verbatim for diagnostics.
func API(status int, detail, body string) *Error {
	msg := http.StatusText(status)
	if msg == "" {
		msg = "payment provider request failed"
	}
	return &Error{Kind: KindAPI, Message: msg, Detail: detail, Status: status, Body: body}
}

// RateLimited is the admission-denied error; retryable after retryAfter.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindAPI,
		Message:    "rate limit exceeded",
		Detail:     fmt.Sprintf("retry after %s", retryAfter),
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func WebhookSignature(msg string) *Error {
	return &Error{Kind: KindWebhookSignature, Message: "webhook signature verification failed", Detail: msg}
}

func Refund(msg string, cause error) *Error {
	e := &Error{Kind: KindRefund, Message: msg, Err: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func Network(cause error) *Error {
	return &Error{Kind: KindNetwork, Message: "payment provider unreachable", Detail: errString(cause), Err: cause}
}

func Timeout(cause error) *Error {
	return &Error{Kind: KindTimeout, Message: "payment provider timed out", Detail: errString(cause), Err: cause}
}

func Unknown(cause error) *Error {
	return &Error{Kind: KindUnknown, Message: "internal error", Detail: errString(cause), Err: cause}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, classifying it first if needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}

// IsRetryable classifies err and reports its retryable verdict.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}
