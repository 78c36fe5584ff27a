package httpapi

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

type ErrorResponse struct {
	Success   bool                `json:"success"`
	ErrorCode payerrors.ErrorCode `json:"error_code"`
	Message   string              `json:"message"`
	Status    string              `json:"status,omitempty"`
	Details   string              `json:"details,omitempty"`
}

type SuccessResponse struct {
	Success   bool        `json:"success"`
	Status    string      `json:"status"`
	PaymentID string      `json:"payment_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func NewErrorResponse(code payerrors.ErrorCode, message, status, details string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Status:    status,
		Details:   details,
	}
}

func NewSuccessResponse(status, paymentID string, data interface{}) SuccessResponse {
	return SuccessResponse{
		Success:   true,
		Status:    status,
		PaymentID: paymentID,
		Data:      data,
	}
}

// writeError renders err through the error taxonomy. Anything that is not
// already a *payerrors.Error is classified first.
func writeError(c *gin.Context, logger *logging.StructuredLogger, err error) {
	pe, ok := payerrors.As(err)
	if !ok {
		pe = payerrors.Classify(err)
	}
	status := pe.HTTPStatus()
	if pe.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}

	level := logging.LogLevelWarn
	if status >= 500 {
		level = logging.LogLevelError
	}
	logger.Log(level, "Request failed", map[string]interface{}{
		"correlation_id": logging.CorrelationID(c.Request.Context()),
		"operation":      pe.Op,
		"error_code":     string(pe.Code()),
		"path":           c.FullPath(),
		"error":          pe.Error(),
	})

	c.AbortWithStatusJSON(status, NewErrorResponse(pe.Code(), pe.Message, "failed", pe.Detail))
}
