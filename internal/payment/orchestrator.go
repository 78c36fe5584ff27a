// Package payment drives the payment lifecycle: initiate, verify, cancel
// and refund. Each operation combines one provider call with ledger writes
// and exactly one audit row, and announces status changes through a
// detached notifier.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zyndor1548/storefront-payments/internal/auth"
	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/notify"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
	"github.com/zyndor1548/storefront-payments/internal/provider"
)

// Audit event types written to the transaction log.
const (
	EventInitiated       = "initiated"
	EventCheckoutCreated = "checkout_created"
	EventCheckoutFailed  = "checkout_failed"
	EventVerified        = "verified"
	EventVerifySkipped   = "verify_skipped"
	EventVerifyFailed    = "verify_failed"
	EventStatusChanged   = "status_changed"
	EventCancelled       = "cancelled"
	EventCancelRejected  = "cancel_rejected"
	EventRefunded        = "refunded"
	EventRefundRejected  = "refund_rejected"
	EventRefundFailed    = "refund_failed"

	// Written when the provider call succeeded but the ledger write did
	// not, so the provider's answer survives for reconciliation.
	EventCheckoutRecordFailed = "checkout_record_failed"
	EventStatusRecordFailed   = "status_record_failed"
	EventCancelRecordFailed   = "cancel_record_failed"
	EventRefundLedgerFailed   = "refund_ledger_failed"
)

// Providers resolves provider clients. *provider.Registry implements it.
type Providers interface {
	Get(name string) (provider.Client, error)
	Default() (provider.Client, error)
}

type Options struct {
	DefaultProvider string
	ReturnURL       string
	CancelURL       string
	Now             func() time.Time
}

type Orchestrator struct {
	store     ledger.Store
	providers Providers
	notifier  notify.Notifier
	logger    *logging.StructuredLogger
	opts      Options
	validate  *validator.Validate
}

// New builds an Orchestrator. notifier should be a *notify.Detached so
// delivery never delays a payment operation; its errors are only logged.
func New(store ledger.Store, providers Providers, notifier notify.Notifier, logger *logging.StructuredLogger, opts Options) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	v := validator.New()
	if err := v.RegisterValidation("currency", validCurrency); err != nil {
		panic(fmt.Sprintf("payment: register currency validation: %v", err))
	}
	return &Orchestrator{
		store:     store,
		providers: providers,
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
		validate:  v,
	}
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func validCurrency(fl validator.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

// InitiateRequest starts a payment. Amount is in minor units.
type InitiateRequest struct {
	StoreID     string            `json:"store_id" validate:"required"`
	OrderID     string            `json:"order_id,omitempty"`
	Amount      int64             `json:"amount" validate:"gt=0"`
	Currency    string            `json:"currency" validate:"currency"`
	Provider    string            `json:"provider,omitempty"`
	Description string            `json:"description,omitempty"`
	Customer    provider.Customer `json:"customer"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL   string            `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

type InitiateResult struct {
	Transaction *ledger.Transaction `json:"transaction"`
	CheckoutURL string              `json:"checkout_url"`
}

type RefundRequest struct {
	// Amount zero refunds the full transaction amount.
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

func (o *Orchestrator) resolveProvider(name string) (provider.Client, error) {
	if name == "" {
		name = o.opts.DefaultProvider
	}
	if name == "" {
		return o.providers.Default()
	}
	return o.providers.Get(name)
}

// withIdentity makes background calls count against the store's window
// when no caller identity is present.
func withIdentity(ctx context.Context, storeID string) context.Context {
	if _, ok := auth.IdentityFrom(ctx); ok {
		return ctx
	}
	if storeID != "" {
		return auth.WithIdentity(ctx, auth.Identity{StoreID: storeID})
	}
	return auth.WithIdentity(ctx, auth.ServiceIdentity)
}

// Initiate validates req, records a pending transaction and opens a
// provider checkout. On provider failure the transaction stays pending.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, payerrors.FromValidator(err).WithOp("initiate")
	}
	client, err := o.resolveProvider(req.Provider)
	if err != nil {
		return nil, payerrors.Classify(err).WithOp("initiate")
	}
	ctx = withIdentity(ctx, req.StoreID)

	now := o.now()
	tx := &ledger.Transaction{
		ID:            uuid.NewString(),
		StoreID:       req.StoreID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        ledger.StatusPending,
		Provider:      client.Name(),
		CustomerEmail: req.Customer.Email,
		CustomerName:  req.Customer.Name,
		CustomerPhone: req.Customer.Phone,
		Metadata:      map[string]interface{}{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.OrderID != "" {
		orderID := req.OrderID
		tx.OrderID = &orderID
	}
	for k, v := range req.Metadata {
		tx.Metadata[k] = v
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, payerrors.Unknown(err).WithOp("initiate")
	}
	o.audit(ctx, tx.ID, EventInitiated, tx.Status, req, nil, nil)

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = o.opts.ReturnURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = o.opts.CancelURL
	}

	resp, err := client.CreateCheckout(ctx, provider.CheckoutRequest{
		TransactionID: tx.ID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		Customer:      req.Customer,
		ReturnURL:     returnURL,
		CancelURL:     cancelURL,
		Metadata:      req.Metadata,
	})
	if err != nil {
		pe := payerrors.Classify(err)
		o.audit(ctx, tx.ID, EventCheckoutFailed, tx.Status, nil, nil, pe)
		o.logger.Error("Checkout creation failed", map[string]interface{}{
			"correlation_id": logging.CorrelationID(ctx),
			"payment_id":     tx.ID,
			"provider":       client.Name(),
			"operation":      "initiate",
			"error_code":     string(pe.Code()),
			"detail":         pe.Detail,
		})
		return nil, pe
	}

	processing := ledger.StatusProcessing
	providerRef := resp.ProviderTransactionID
	updated, err := o.store.UpdateTransaction(ctx, tx.ID, ledger.TransactionUpdate{
		Status:                &processing,
		ProviderTransactionID: &providerRef,
		Metadata:              map[string]interface{}{"checkout_url": resp.CheckoutURL},
		At:                    o.now(),
	})
	if err != nil {
		// The provider holds a checkout the ledger does not know about yet;
		// reconciliation picks it up.
		o.audit(ctx, tx.ID, EventCheckoutRecordFailed, tx.Status, nil, resp, err)
		o.logger.Error("Failed to record checkout", map[string]interface{}{
			"payment_id":  tx.ID,
			"provider":    client.Name(),
			"provider_id": providerRef,
			"error":       err.Error(),
		})
		return nil, payerrors.Unknown(err).WithOp("initiate")
	}
	o.audit(ctx, tx.ID, EventCheckoutCreated, updated.Status, nil, resp, nil)

	if updated.OrderID != nil {
		o.linkOrder(ctx, *updated.OrderID, updated)
	}
	o.announce(ctx, notify.EventStatusChanged, updated, ledger.StatusPending)

	o.logger.Info("Payment initiated", map[string]interface{}{
		"correlation_id": logging.CorrelationID(ctx),
		"payment_id":     updated.ID,
		"provider":       updated.Provider,
		"operation":      "initiate",
		"amount":         updated.Amount,
		"currency":       updated.Currency,
	})
	return &InitiateResult{Transaction: updated, CheckoutURL: resp.CheckoutURL}, nil
}

// Verify asks the provider for the payment's status and adopts it. Terminal
// transactions are returned without a provider call.
func (o *Orchestrator) Verify(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := o.load(ctx, txID, "verify")
	if err != nil {
		return nil, err
	}
	ctx = withIdentity(ctx, tx.StoreID)

	if tx.Status.Terminal() {
		o.audit(ctx, tx.ID, EventVerifySkipped, tx.Status, nil, map[string]string{"reason": "terminal"}, nil)
		return tx, nil
	}
	if tx.ProviderRef() == "" {
		o.audit(ctx, tx.ID, EventVerifySkipped, tx.Status, nil, map[string]string{"reason": "no provider transaction id"}, nil)
		return tx, nil
	}

	client, err := o.providers.Get(tx.Provider)
	if err != nil {
		pe := payerrors.Classify(err).WithOp("verify")
		o.audit(ctx, tx.ID, EventVerifyFailed, tx.Status, nil, nil, pe)
		return nil, pe
	}
	resp, err := client.VerifyPayment(ctx, tx.ProviderRef())
	if err != nil {
		pe := payerrors.Classify(err)
		o.audit(ctx, tx.ID, EventVerifyFailed, tx.Status, nil, nil, pe)
		return nil, pe
	}

	updated, changed, err := o.adopt(ctx, tx, resp, nil)
	if err != nil {
		return nil, err
	}
	if !changed {
		o.audit(ctx, tx.ID, EventVerified, tx.Status, nil, resp, nil)
	}
	return updated, nil
}

// adopt moves tx to the provider's mapped status when the state machine
// allows it, writing one status_changed row and notifying. Unreachable
// statuses are left for reconciliation.
func (o *Orchestrator) adopt(ctx context.Context, tx *ledger.Transaction, resp *provider.VerifyResponse, extra map[string]interface{}) (*ledger.Transaction, bool, error) {
	target := resp.LocalStatus()
	path := ledger.Path(tx.Status, target)
	if len(path) == 0 {
		if path == nil {
			o.logger.Warn("Provider status not reachable from ledger status", map[string]interface{}{
				"payment_id":      tx.ID,
				"provider":        tx.Provider,
				"ledger_status":   string(tx.Status),
				"provider_status": resp.Status,
			})
		}
		return tx, false, nil
	}

	meta := map[string]interface{}{}
	for k, v := range extra {
		meta[k] = v
	}
	if resp.PaymentMethod != "" {
		meta["payment_method"] = resp.PaymentMethod
	}
	if resp.ErrorMessage != "" {
		meta["provider_error"] = resp.ErrorMessage
	}

	previous := tx.Status
	current := tx
	for i, step := range path {
		s := step
		u := ledger.TransactionUpdate{Status: &s, At: o.now()}
		if i == len(path)-1 {
			u.Metadata = meta
		}
		next, err := o.store.UpdateTransaction(ctx, tx.ID, u)
		if err != nil {
			o.audit(ctx, tx.ID, EventStatusRecordFailed, current.Status,
				map[string]string{"from": string(current.Status), "to": string(step)}, resp, err)
			return nil, false, o.ledgerError(ctx, tx, err)
		}
		current = next
	}

	o.audit(ctx, tx.ID, EventStatusChanged, current.Status,
		map[string]string{"from": string(previous), "to": string(current.Status)}, resp, nil)
	o.mirrorOrder(ctx, current)
	o.announce(ctx, notify.EventStatusChanged, current, previous)
	return current, true, nil
}

// Cancel stops a pending or processing payment. If the provider says the
// payment already resolved, its status is adopted instead.
func (o *Orchestrator) Cancel(ctx context.Context, txID, reason string) (*ledger.Transaction, error) {
	tx, err := o.load(ctx, txID, "cancel")
	if err != nil {
		return nil, err
	}
	ctx = withIdentity(ctx, tx.StoreID)

	if tx.Status != ledger.StatusPending && tx.Status != ledger.StatusProcessing {
		return o.cancelResolved(ctx, tx, reason)
	}

	var providerErr *payerrors.Error
	if tx.ProviderRef() != "" {
		client, err := o.providers.Get(tx.Provider)
		if err == nil {
			err = client.CancelPayment(ctx, tx.ProviderRef())
			if err != nil && alreadyResolved(err) {
				if resp, verr := client.VerifyPayment(ctx, tx.ProviderRef()); verr == nil && resp.LocalStatus().Terminal() {
					updated, changed, aerr := o.adopt(ctx, tx, resp, map[string]interface{}{"cancel_reason": reason})
					if aerr != nil {
						return nil, aerr
					}
					if changed {
						return updated, nil
					}
				}
			}
		}
		if err != nil {
			providerErr = payerrors.Classify(err)
			o.logger.Warn("Provider cancel failed, cancelling locally", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"payment_id":     tx.ID,
				"provider":       tx.Provider,
				"operation":      "cancel",
				"error_code":     string(providerErr.Code()),
			})
		}
	}

	cancelled := ledger.StatusCancelled
	updated, err := o.store.UpdateTransaction(ctx, tx.ID, ledger.TransactionUpdate{
		Status:   &cancelled,
		Metadata: map[string]interface{}{"cancel_reason": reason},
		At:       o.now(),
	})
	if err != nil {
		o.audit(ctx, tx.ID, EventCancelRecordFailed, tx.Status, map[string]string{"reason": reason}, nil, err)
		return nil, o.ledgerError(ctx, tx, err)
	}
	var logErr error
	if providerErr != nil {
		logErr = providerErr
	}
	o.audit(ctx, tx.ID, EventCancelled, updated.Status, map[string]string{"reason": reason}, nil, logErr)
	o.mirrorOrder(ctx, updated)
	o.announce(ctx, notify.EventCancelled, updated, tx.Status)
	return updated, nil
}

// cancelResolved handles cancel on a transaction that is already past the
// point of cancellation: re-verify and adopt provider truth.
func (o *Orchestrator) cancelResolved(ctx context.Context, tx *ledger.Transaction, reason string) (*ledger.Transaction, error) {
	o.audit(ctx, tx.ID, EventCancelRejected, tx.Status,
		map[string]string{"reason": reason}, map[string]string{"detail": "transaction already " + string(tx.Status)}, nil)

	if tx.ProviderRef() == "" {
		return tx, nil
	}
	client, err := o.providers.Get(tx.Provider)
	if err != nil {
		return tx, nil
	}
	resp, err := client.VerifyPayment(ctx, tx.ProviderRef())
	if err != nil {
		o.logger.Warn("Re-verification after rejected cancel failed", map[string]interface{}{
			"payment_id": tx.ID,
			"provider":   tx.Provider,
			"error":      err.Error(),
		})
		return tx, nil
	}
	updated, _, err := o.adopt(ctx, tx, resp, nil)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// alreadyResolved reports a provider refusing to cancel because the
// payment is no longer cancellable.
func alreadyResolved(err error) bool {
	pe := payerrors.Classify(err)
	switch pe.Kind {
	case payerrors.KindValidation:
		return true
	case payerrors.KindAPI:
		if pe.Status == http.StatusTooManyRequests {
			return false
		}
		return pe.Status == http.StatusConflict || (pe.Status >= 200 && pe.Status < 500 && pe.Status != http.StatusNotFound)
	}
	return false
}

// Refund returns money for a completed payment. Nothing is mutated unless
// the provider accepts the refund.
func (o *Orchestrator) Refund(ctx context.Context, txID string, req RefundRequest) (*ledger.Transaction, error) {
	tx, err := o.load(ctx, txID, "refund")
	if err != nil {
		return nil, err
	}
	ctx = withIdentity(ctx, tx.StoreID)

	amount := req.Amount
	if amount == 0 {
		amount = tx.Amount
	}
	var reject *payerrors.Error
	switch {
	case tx.Status != ledger.StatusCompleted:
		reject = payerrors.Validationf("only completed payments can be refunded, payment is %s", tx.Status)
	case amount < 0:
		reject = payerrors.Validation("refund amount must be positive")
	case amount > tx.Amount:
		reject = payerrors.Validationf("refund amount %d exceeds payment amount %d", amount, tx.Amount)
	}
	if reject != nil {
		reject = reject.WithOp("refund")
		o.audit(ctx, tx.ID, EventRefundRejected, tx.Status, req, nil, reject)
		return nil, reject
	}

	client, err := o.providers.Get(tx.Provider)
	if err != nil {
		pe := payerrors.Refund("refund failed", err).WithOp("refund")
		o.audit(ctx, tx.ID, EventRefundFailed, tx.Status, req, nil, pe)
		return nil, pe
	}
	resp, err := client.RefundPayment(ctx, provider.RefundRequest{
		ProviderTransactionID: tx.ProviderRef(),
		Amount:                amount,
		Currency:              tx.Currency,
		Reason:                req.Reason,
	})
	if err != nil {
		cause := payerrors.Classify(err)
		pe := payerrors.Refund("refund failed", cause).WithOp("refund")
		pe.Status = cause.Status
		o.audit(ctx, tx.ID, EventRefundFailed, tx.Status, req, nil, pe)
		o.logger.Error("Refund failed", map[string]interface{}{
			"correlation_id": logging.CorrelationID(ctx),
			"payment_id":     tx.ID,
			"provider":       tx.Provider,
			"operation":      "refund",
			"error_code":     string(cause.Code()),
		})
		return nil, pe
	}

	refunded := ledger.StatusRefunded
	updated, err := o.store.UpdateTransaction(ctx, tx.ID, ledger.TransactionUpdate{
		Status: &refunded,
		Metadata: map[string]interface{}{
			"refund_id":     resp.RefundID,
			"refund_amount": amount,
			"refund_reason": req.Reason,
		},
		At: o.now(),
	})
	if err != nil {
		o.audit(ctx, tx.ID, EventRefundLedgerFailed, tx.Status, req, resp, err)
		return nil, o.ledgerError(ctx, tx, err)
	}
	o.audit(ctx, tx.ID, EventRefunded, updated.Status, req, resp, nil)
	o.mirrorOrder(ctx, updated)
	o.announce(ctx, notify.EventRefunded, updated, tx.Status)
	return updated, nil
}

// HandleProviderEvent reacts to a verified webhook by re-verifying the
// referenced payment with the provider.
func (o *Orchestrator) HandleProviderEvent(ctx context.Context, providerName, providerTxnID string) (*ledger.Transaction, error) {
	if _, ok := auth.IdentityFrom(ctx); !ok {
		ctx = auth.WithIdentity(ctx, auth.ServiceIdentity)
	}
	tx, err := o.store.GetTransactionByProviderID(ctx, providerName, providerTxnID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, notFound("provider_event", providerTxnID)
		}
		return nil, payerrors.Unknown(err).WithOp("provider_event")
	}
	return o.Verify(ctx, tx.ID)
}

// Transaction returns the ledger row.
func (o *Orchestrator) Transaction(ctx context.Context, txID string) (*ledger.Transaction, error) {
	return o.load(ctx, txID, "get")
}

func (o *Orchestrator) load(ctx context.Context, txID, op string) (*ledger.Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, notFound(op, txID)
		}
		return nil, payerrors.Unknown(err).WithOp(op)
	}
	return tx, nil
}

func notFound(op, id string) *payerrors.Error {
	e := payerrors.API(http.StatusNotFound, "transaction "+id+" not found", "")
	e.Message = "payment not found"
	return e.WithOp(op)
}

func (o *Orchestrator) ledgerError(ctx context.Context, tx *ledger.Transaction, err error) *payerrors.Error {
	o.logger.Error("Ledger update failed", map[string]interface{}{
		"correlation_id": logging.CorrelationID(ctx),
		"payment_id":     tx.ID,
		"provider":       tx.Provider,
		"error":          err.Error(),
	})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		e := payerrors.API(http.StatusConflict, err.Error(), "")
		e.Message = "payment state changed concurrently"
		return e
	}
	return payerrors.Unknown(err)
}

// audit appends one log row. A failing audit write is logged but does not
// fail the operation it describes.
func (o *Orchestrator) audit(ctx context.Context, txID, event string, status ledger.Status, request, response interface{}, opErr error) {
	entry := &ledger.LogEntry{
		ID:            uuid.NewString(),
		TransactionID: txID,
		EventType:     event,
		Status:        status,
		Request:       encode(request),
		Response:      encode(response),
		CreatedAt:     o.now(),
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := o.store.AppendLog(ctx, entry); err != nil {
		o.logger.Error("Failed to append transaction log", map[string]interface{}{
			"payment_id": txID,
			"event_type": event,
			"error":      err.Error(),
		})
	}
}

func encode(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (o *Orchestrator) linkOrder(ctx context.Context, orderID string, tx *ledger.Transaction) {
	id := tx.ID
	status := tx.Status
	if _, err := o.store.UpdateOrder(ctx, orderID, ledger.OrderUpdate{TransactionID: &id, PaymentStatus: &status, At: o.now()}); err != nil {
		o.logger.Warn("Failed to link order to transaction", map[string]interface{}{
			"payment_id": tx.ID,
			"order_id":   orderID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) mirrorOrder(ctx context.Context, tx *ledger.Transaction) {
	if tx.OrderID == nil {
		return
	}
	u := ledger.OrderUpdate{PaymentStatus: &tx.Status, At: o.now()}
	if s, ok := ledger.OrderStatusFor(tx.Status); ok {
		u.Status = &s
	}
	if _, err := o.store.UpdateOrder(ctx, *tx.OrderID, u); err != nil {
		o.logger.Warn("Failed to mirror payment status on order", map[string]interface{}{
			"payment_id": tx.ID,
			"order_id":   *tx.OrderID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) announce(ctx context.Context, eventType string, tx *ledger.Transaction, previous ledger.Status) {
	ev := notify.Event{
		Type:          eventType,
		TransactionID: tx.ID,
		StoreID:       tx.StoreID,
		Status:        string(tx.Status),
		Previous:      string(previous),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		CustomerEmail: tx.CustomerEmail,
		At:            tx.UpdatedAt,
	}
	if tx.OrderID != nil {
		ev.OrderID = *tx.OrderID
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Warn("Notification failed", map[string]interface{}{
			"payment_id": tx.ID,
			"error":      err.Error(),
		})
	}
}
