package payerrors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

var networkErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"no such host",
	"network is unreachable",
	"network is down",
	"broken pipe",
	"unexpected eof",
}

// Classify folds any failure into an *Error. Already classified errors
// pass through untouched. It is pure: no logging, no I/O.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	if isTimeoutError(err) {
		return Timeout(err)
	}
	if isNetworkError(err) {
		return Network(err)
	}
	e := API(0, err.Error(), "")
	e.Message = "payment provider request failed"
	e.Err = err
	return e
}

// FromHTTPStatus classifies a non-2xx provider response. message is the
// richest human text extracted from the body, body the raw payload.
func FromHTTPStatus(status int, message, body string) *Error {
	var e *Error
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e = &Error{Kind: KindValidation, Message: "payment request rejected by provider", Status: status}
	case http.StatusUnauthorized, http.StatusForbidden:
		e = &Error{Kind: KindAuthentication, Message: "payment provider rejected credentials", Status: status}
	case http.StatusRequestTimeout:
		e = &Error{Kind: KindTimeout, Message: "payment provider timed out", Status: status}
	default:
		e = API(status, "", "")
	}
	e.Detail = message
	e.Body = body
	return e
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	type timeoutError interface {
		Timeout() bool
	}
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
