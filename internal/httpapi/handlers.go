package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zyndor1548/storefront-payments/internal/auth"
	"github.com/zyndor1548/storefront-payments/internal/checkout"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
	"github.com/zyndor1548/storefront-payments/internal/payment"
	"github.com/zyndor1548/storefront-payments/internal/reconcile"
)

// bind decodes a JSON body. With optional set an empty body leaves out
// untouched.
func bind(c *gin.Context, out interface{}, optional bool) error {
	if err := c.ShouldBindJSON(out); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return payerrors.Validation("Invalid request body: " + err.Error())
	}
	return nil
}

func (s *server) checkout(c *gin.Context) {
	var req checkout.Request
	if err := bind(c, &req, false); err != nil {
		writeError(c, s.Logger, err)
		return
	}
	if id, ok := auth.IdentityFrom(c.Request.Context()); ok && req.CustomerID == "" {
		req.CustomerID = id.UserID
	}

	res, err := s.Checkout.Checkout(c.Request.Context(), req)
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	status := "created"
	if res.Partial() {
		status = "partial"
	}
	c.JSON(http.StatusCreated, NewSuccessResponse(status, "", res))
}

func (s *server) initiatePayment(c *gin.Context) {
	var req payment.InitiateRequest
	if err := bind(c, &req, false); err != nil {
		writeError(c, s.Logger, err)
		return
	}
	if id, ok := auth.IdentityFrom(c.Request.Context()); ok && req.StoreID == "" {
		req.StoreID = id.StoreID
	}

	res, err := s.Payments.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, NewSuccessResponse(string(res.Transaction.Status), res.Transaction.ID, res))
}

func (s *server) getPayment(c *gin.Context) {
	tx, err := s.Payments.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccessResponse(string(tx.Status), tx.ID, tx))
}

func (s *server) verifyPayment(c *gin.Context) {
	tx, err := s.Payments.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccessResponse(string(tx.Status), tx.ID, tx))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *server) cancelPayment(c *gin.Context) {
	var req cancelRequest
	if err := bind(c, &req, true); err != nil {
		writeError(c, s.Logger, err)
		return
	}
	tx, err := s.Payments.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccessResponse(string(tx.Status), tx.ID, tx))
}

func (s *server) refundPayment(c *gin.Context) {
	var req payment.RefundRequest
	if err := bind(c, &req, true); err != nil {
		writeError(c, s.Logger, err)
		return
	}
	tx, err := s.Payments.Refund(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccessResponse(string(tx.Status), tx.ID, tx))
}

func (s *server) webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, s.Logger, payerrors.Validation("Unreadable webhook body"))
		return
	}
	res, err := s.Webhooks.Handle(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	status := "processed"
	if res.Duplicate {
		status = "duplicate"
	}
	c.JSON(http.StatusOK, NewSuccessResponse(status, "", res))
}

type reconcileRangeRequest struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit"`
}

// reconcileRange defaults to the last 24 hours.
func (s *server) reconcileRange(c *gin.Context) {
	var req reconcileRangeRequest
	if err := bind(c, &req, true); err != nil {
		writeError(c, s.Logger, err)
		return
	}
	if req.To.IsZero() {
		req.To = time.Now().UTC()
	}
	if req.From.IsZero() {
		req.From = req.To.Add(-24 * time.Hour)
	}
	if req.From.After(req.To) {
		writeError(c, s.Logger, payerrors.Validation("from must not be after to"))
		return
	}
	if req.Limit < 0 {
		writeError(c, s.Logger, payerrors.Validation("limit must not be negative"))
		return
	}

	report, err := s.Reconciler.ReconcileRange(c.Request.Context(), reconcile.Range{From: req.From, To: req.To, Limit: req.Limit})
	if err != nil {
		writeError(c, s.Logger, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccessResponse("completed", "", report))
}

func (s *server) reconcileOne(c *gin.Context) {
	res := s.Reconciler.ReconcileTransaction(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, NewSuccessResponse(string(res.Outcome), res.TransactionID, res))
}

func (s *server) listProviders(c *gin.Context) {
	status := s.stats.get(s.StatsCacheTTL, s.Providers.Status)
	c.JSON(http.StatusOK, gin.H{"payment_providers": status})
}

func (s *server) enableProvider(c *gin.Context) {
	s.toggleProvider(c, s.Providers.Enable, "enabled")
}

func (s *server) disableProvider(c *gin.Context) {
	s.toggleProvider(c, s.Providers.Disable, "disabled")
}

func (s *server) resetBreaker(c *gin.Context) {
	s.toggleProvider(c, s.Providers.ResetBreaker, "reset")
}

func (s *server) toggleProvider(c *gin.Context, apply func(string) error, status string) {
	name := c.Param("name")
	if err := apply(name); err != nil {
		writeError(c, s.Logger, payerrors.API(http.StatusNotFound, err.Error(), ""))
		return
	}
	s.stats.invalidate()
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"provider": name,
		"status":   status,
	})
}

func (s *server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	redisHealthy := true
	if s.Redis != nil {
		redisHealthy = s.Redis.Ping(ctx).Err() == nil
	}
	dbHealthy := true
	if s.Ledger != nil {
		dbHealthy = s.Ledger.Ping(ctx) == nil
	}
	healthyProviders, totalProviders := s.Providers.Healthy()

	overallHealthy := redisHealthy && dbHealthy && healthyProviders > 0
	statusCode := http.StatusOK
	if !overallHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"healthy": overallHealthy,
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
			"providers": gin.H{
				"total":   totalProviders,
				"healthy": healthyProviders,
			},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
