// Package reconcile compares ledger transactions with what the provider
// reports and corrects the ledger when they drift apart.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/notify"
	"github.com/zyndor1548/storefront-payments/internal/provider"
)

// Outcome classifies one reconciled transaction.
type Outcome string

const (
	Matched           Outcome = "matched"
	Mismatched        Outcome = "mismatched"
	MissingInDB       Outcome = "missing_in_db"
	MissingAtProvider Outcome = "missing_in_moneroo"
	Errored           Outcome = "error"
)

// EventReconciled is the transaction log event written for a correction.
const EventReconciled = "reconciled"

var amountTolerance = decimal.RequireFromString("0.01")

// Discrepancy holds the ledger and provider value of one field.
type Discrepancy struct {
	DB      interface{} `json:"db"`
	Moneroo interface{} `json:"moneroo"`
}

type Result struct {
	TransactionID string                 `json:"transaction_id"`
	Outcome       Outcome                `json:"outcome"`
	Discrepancies map[string]Discrepancy `json:"discrepancies,omitempty"`
	Err           string                 `json:"error,omitempty"`
}

// Range bounds a bulk run by creation time.
type Range struct {
	From  time.Time
	To    time.Time
	Limit int
}

type Report struct {
	Total             int       `json:"total"`
	Matched           int       `json:"matched"`
	Mismatched        int       `json:"mismatched"`
	MissingInDB       int       `json:"missing_in_db"`
	MissingAtProvider int       `json:"missing_in_moneroo"`
	Errors            int       `json:"errors"`
	Results           []*Result `json:"results"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

func (r *Report) add(res *Result) {
	r.Total++
	switch res.Outcome {
	case Matched:
		r.Matched++
	case Mismatched:
		r.Mismatched++
	case MissingInDB:
		r.MissingInDB++
	case MissingAtProvider:
		r.MissingAtProvider++
	default:
		r.Errors++
	}
	r.Results = append(r.Results, res)
}

// Providers resolves the client that owns a transaction.
type Providers interface {
	Get(name string) (provider.Client, error)
}

type Options struct {
	// Pause is the minimum gap between provider calls in a bulk run.
	Pause time.Duration
	// BatchLimit caps a bulk run when Range.Limit is zero.
	BatchLimit int
	Now        func() time.Time
}

type Service struct {
	store     ledger.Store
	providers Providers
	notifier  notify.Notifier
	logger    *logging.StructuredLogger
	limiter   *rate.Limiter
	opts      Options
}

func New(store ledger.Store, providers Providers, notifier notify.Notifier, logger *logging.StructuredLogger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	limit := rate.Inf
	if opts.Pause > 0 {
		limit = rate.Every(opts.Pause)
	}
	return &Service{
		store:     store,
		providers: providers,
		notifier:  notifier,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		opts:      opts,
	}
}

// ReconcileTransaction compares one transaction with provider truth.
// It never returns an error: failures are reported through the outcome.
func (s *Service) ReconcileTransaction(ctx context.Context, txID string) (res *Result) {
	res = &Result{TransactionID: txID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Reconciliation panicked", map[string]interface{}{
				"payment_id": txID,
				"panic":      fmt.Sprint(r),
			})
			res.Outcome = Errored
			res.Discrepancies = nil
			res.Err = fmt.Sprintf("panic: %v", r)
		}
	}()

	tx, err := s.store.GetTransaction(ctx, txID)
	if errors.Is(err, ledger.ErrNotFound) {
		res.Outcome = MissingInDB
		return res
	}
	if err != nil {
		return s.failed(res, err)
	}

	client, err := s.providers.Get(tx.Provider)
	if err != nil {
		return s.failed(res, err)
	}
	if tx.ProviderRef() == "" {
		res.Outcome = MissingAtProvider
		res.Err = "transaction never reached the provider"
		return res
	}
	truth, err := client.VerifyPayment(ctx, tx.ProviderRef())
	if err != nil {
		res.Outcome = MissingAtProvider
		res.Err = err.Error()
		s.logger.Warn("Provider lookup failed during reconciliation", map[string]interface{}{
			"payment_id": tx.ID,
			"provider":   tx.Provider,
			"error":      err.Error(),
		})
		return res
	}

	update, diffs := compare(tx, truth)
	if len(diffs) == 0 {
		res.Outcome = Matched
		return res
	}

	update.Correction = true
	update.At = s.opts.Now().UTC()
	update.Metadata = map[string]interface{}{"reconciled_at": update.At.Format(time.RFC3339)}
	updated, err := s.store.UpdateTransaction(ctx, tx.ID, update)
	if err != nil {
		return s.failed(res, err)
	}
	res.Outcome = Mismatched
	res.Discrepancies = diffs

	s.audit(ctx, updated, diffs)
	s.logger.Warn("Ledger corrected from provider", map[string]interface{}{
		"payment_id":    tx.ID,
		"provider":      tx.Provider,
		"operation":     "reconcile",
		"discrepancies": diffs,
	})
	if updated.Status != tx.Status {
		s.mirrorOrder(ctx, updated)
		s.announce(ctx, updated, tx.Status)
	}
	return res
}

// amountValue renders d as a bare JSON number in reports and audit rows.
func amountValue(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// compare builds the correcting update and the discrepancies between the
// ledger row and provider truth.
func compare(tx *ledger.Transaction, truth *provider.VerifyResponse) (ledger.TransactionUpdate, map[string]Discrepancy) {
	var u ledger.TransactionUpdate
	diffs := make(map[string]Discrepancy)

	dbAmount := decimal.NewFromInt(tx.Amount)
	if dbAmount.Sub(truth.Amount).Abs().GreaterThan(amountTolerance) {
		diffs["amount"] = Discrepancy{DB: amountValue(dbAmount), Moneroo: amountValue(truth.Amount)}
		amount := truth.Amount.Round(0).IntPart()
		u.Amount = &amount
	}

	local := truth.LocalStatus()
	// pending and processing are both "still open"; the provider does not
	// distinguish them so neither do we.
	inFlight := !local.Terminal() && !tx.Status.Terminal()
	if local != tx.Status && !inFlight {
		diffs["status"] = Discrepancy{DB: string(tx.Status), Moneroo: string(local)}
		u.Status = &local
	}

	if truth.Currency != "" && !strings.EqualFold(tx.Currency, truth.Currency) {
		diffs["currency"] = Discrepancy{DB: tx.Currency, Moneroo: truth.Currency}
		currency := strings.ToUpper(truth.Currency)
		u.Currency = &currency
	}
	return u, diffs
}

func (s *Service) failed(res *Result, err error) *Result {
	s.logger.Error("Reconciliation failed", map[string]interface{}{
		"payment_id": res.TransactionID,
		"error":      err.Error(),
	})
	res.Outcome = Errored
	res.Err = err.Error()
	return res
}

func (s *Service) audit(ctx context.Context, tx *ledger.Transaction, diffs map[string]Discrepancy) {
	body, _ := json.Marshal(diffs)
	entry := &ledger.LogEntry{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		EventType:     EventReconciled,
		Status:        tx.Status,
		Response:      string(body),
		CreatedAt:     s.opts.Now().UTC(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Error("Failed to append transaction log", map[string]interface{}{
			"payment_id": tx.ID,
			"event_type": EventReconciled,
			"error":      err.Error(),
		})
	}
}

func (s *Service) mirrorOrder(ctx context.Context, tx *ledger.Transaction) {
	if tx.OrderID == nil {
		return
	}
	u := ledger.OrderUpdate{PaymentStatus: &tx.Status, At: s.opts.Now().UTC()}
	if st, ok := ledger.OrderStatusFor(tx.Status); ok {
		u.Status = &st
	}
	if _, err := s.store.UpdateOrder(ctx, *tx.OrderID, u); err != nil {
		s.logger.Warn("Failed to mirror corrected status on order", map[string]interface{}{
			"payment_id": tx.ID,
			"order_id":   *tx.OrderID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) announce(ctx context.Context, tx *ledger.Transaction, previous ledger.Status) {
	ev := notify.Event{
		Type:          notify.EventStatusChanged,
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
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("Notification failed", map[string]interface{}{"payment_id": tx.ID, "error": err.Error()})
	}
}

// ReconcileRange reconciles a bounded batch of transactions, pausing
// between provider calls. Cancelling ctx stops the run and returns what
// was reconciled so far along with the context error.
func (s *Service) ReconcileRange(ctx context.Context, r Range) (*Report, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = s.opts.BatchLimit
	}
	report := &Report{StartedAt: s.opts.Now().UTC(), Results: []*Result{}}

	txs, err := s.store.ListTransactions(ctx, ledger.TransactionFilter{From: r.From, To: r.To, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	s.logger.Info("Reconciliation started", map[string]interface{}{
		"operation": "reconcile",
		"count":     len(txs),
		"from":      r.From,
		"to":        r.To,
	})
	for _, tx := range txs {
		if err := s.limiter.Wait(ctx); err != nil {
			report.FinishedAt = s.opts.Now().UTC()
			return report, err
		}
		report.add(s.ReconcileTransaction(ctx, tx.ID))
	}
	report.FinishedAt = s.opts.Now().UTC()

	s.logger.Info("Reconciliation finished", map[string]interface{}{
		"operation":          "reconcile",
		"total":              report.Total,
		"matched":            report.Matched,
		"mismatched":         report.Mismatched,
		"missing_in_db":      report.MissingInDB,
		"missing_in_moneroo": report.MissingAtProvider,
		"errors":             report.Errors,
	})
	return report, nil
}
