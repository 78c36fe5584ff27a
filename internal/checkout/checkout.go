// Package checkout turns one cart into one order per selling store and
// starts a payment for each order that was created.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
	"github.com/zyndor1548/storefront-payments/internal/payment"
	"github.com/zyndor1548/storefront-payments/internal/provider"
)

type DiscountKind string

const (
	Coupon   DiscountKind = "coupon"
	GiftCard DiscountKind = "gift_card"
)

const maxOrderNumberAttempts = 5

// Catalog tells which store sells a product.
type Catalog interface {
	ResolveStore(ctx context.Context, productID string) (storeID string, ok bool, err error)
}

type CouponRedeemer interface {
	RedeemCoupon(ctx context.Context, code, orderID string, amount int64) error
}

type GiftCardRedeemer interface {
	RedeemGiftCard(ctx context.Context, code, orderID string, amount int64) error
}

type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, order *ledger.Order) error
}

// Initiator starts a payment for an order.
type Initiator interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
}

type LineItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
}

func (it LineItem) Total() int64 { return int64(it.Quantity) * it.UnitPrice }

// Discount is a coupon or gift card. An empty StoreID makes it global.
// For gift cards Amount is the card balance.
type Discount struct {
	Code    string       `json:"code" validate:"required"`
	Kind    DiscountKind `json:"kind" validate:"oneof=coupon gift_card"`
	StoreID string       `json:"store_id,omitempty"`
	Amount  int64        `json:"amount" validate:"gt=0"`
}

type Affiliate struct {
	Code    string `json:"code" validate:"required"`
	ClickID string `json:"click_id,omitempty"`
}

type Request struct {
	CustomerID      string            `json:"customer_id" validate:"required"`
	Items           []LineItem        `json:"items" validate:"required,min=1,dive"`
	ShippingAddress ledger.Address    `json:"shipping_address"`
	Currency        string            `json:"currency" validate:"required,len=3,uppercase"`
	Discounts       []Discount        `json:"discounts,omitempty" validate:"dive"`
	TaxRate         decimal.Decimal   `json:"tax_rate"`
	ShippingAmount  int64             `json:"shipping_amount" validate:"gte=0"`
	Affiliate       *Affiliate        `json:"affiliate,omitempty"`
	Provider        string            `json:"provider,omitempty"`
	Customer        provider.Customer `json:"customer"`
	ReturnURL       string            `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL       string            `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

func requestStructValidation(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)
	if req.TaxRate.IsNegative() || req.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		sl.ReportError(req.TaxRate, "tax_rate", "TaxRate", "tax_rate", req.TaxRate.String())
	}
}

type SkippedItem struct {
	LineItem
	Reason string `json:"reason"`
}

type StoreFailure struct {
	StoreID string `json:"store_id"`
	Reason  string `json:"reason"`
}

type Result struct {
	GroupID      string                    `json:"group_id"`
	Orders       []*ledger.Order           `json:"orders"`
	Payments     []*payment.InitiateResult `json:"payments"`
	Warnings     []string                  `json:"warnings,omitempty"`
	FailedStores []StoreFailure            `json:"failed_stores,omitempty"`
	SkippedItems []SkippedItem             `json:"skipped_items,omitempty"`
}

// Partial reports whether some of the cart could not be turned into
// orders.
func (r *Result) Partial() bool {
	return len(r.FailedStores) > 0 || len(r.SkippedItems) > 0
}

type Coordinator struct {
	catalog   Catalog
	store     ledger.Store
	payments  Initiator
	coupons   CouponRedeemer
	giftCards GiftCardRedeemer
	invoices  InvoiceGenerator
	logger    *logging.StructuredLogger
	validate  *validator.Validate

	now         func() time.Time
	orderNumber func(time.Time) string
}

// Option configures optional collaborators.
type Option func(*Coordinator)

func WithCoupons(r CouponRedeemer) Option     { return func(c *Coordinator) { c.coupons = r } }
func WithGiftCards(r GiftCardRedeemer) Option { return func(c *Coordinator) { c.giftCards = r } }
func WithInvoices(g InvoiceGenerator) Option  { return func(c *Coordinator) { c.invoices = g } }
func WithClock(now func() time.Time) Option   { return func(c *Coordinator) { c.now = now } }
func WithOrderNumbers(f func(time.Time) string) Option {
	return func(c *Coordinator) { c.orderNumber = f }
}

func New(catalog Catalog, store ledger.Store, payments Initiator, logger *logging.StructuredLogger, opts ...Option) *Coordinator {
	v := validator.New()
	v.RegisterStructValidation(requestStructValidation, Request{})
	c := &Coordinator{
		catalog:     catalog,
		store:       store,
		payments:    payments,
		logger:      logger,
		validate:    v,
		now:         time.Now,
		orderNumber: NewOrderNumber,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewOrderNumber formats ORD-YYYYMMDD-XXXXXX with a random suffix.
func NewOrderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "ORD-" + at.UTC().Format("20060102") + "-" + suffix
}

// Checkout groups the cart by store, creates the orders one store at a
// time and initiates a payment per created order. It fails only when no
// order at all could be created.
func (c *Coordinator) Checkout(ctx context.Context, req Request) (*Result, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, payerrors.FromValidator(err).WithOp("checkout")
	}

	groups, skipped := Group(ctx, c.catalog, req.Items)
	res := &Result{
		GroupID:      uuid.NewString(),
		Orders:       []*ledger.Order{},
		Payments:     []*payment.InitiateResult{},
		SkippedItems: skipped,
	}
	for _, s := range skipped {
		res.Warnings = append(res.Warnings, fmt.Sprintf("item %s skipped: %s", s.ProductID, s.Reason))
	}
	if len(groups) == 0 {
		return nil, payerrors.Validation("no item in the cart belongs to a known store").WithOp("checkout")
	}

	Apportion(groups, req.TaxRate, req.ShippingAmount, req.Discounts)

	c.logger.Info("Checkout started", map[string]interface{}{
		"correlation_id": logging.CorrelationID(ctx),
		"operation":      "checkout",
		"group_id":       res.GroupID,
		"stores":         len(groups),
		"skipped_items":  len(skipped),
	})

	if err := c.createOrders(ctx, req, groups, res); err != nil {
		return nil, err
	}
	c.initiatePayments(ctx, req, res)

	c.logger.Info("Checkout finished", map[string]interface{}{
		"correlation_id": logging.CorrelationID(ctx),
		"operation":      "checkout",
		"group_id":       res.GroupID,
		"orders":         len(res.Orders),
		"payments":       len(res.Payments),
		"failed_stores":  len(res.FailedStores),
	})
	return res, nil
}

func (c *Coordinator) createOrders(ctx context.Context, req Request, groups []*StoreGroup, res *Result) error {
	// orders whose compensating delete failed; removed again on rollback
	var stranded []*ledger.Order
	var failures []error

	for i, g := range groups {
		order, err := c.createOrder(ctx, req, g, i, len(groups), res.GroupID)
		if err != nil {
			if order != nil {
				stranded = append(stranded, order)
			}
			failures = append(failures, fmt.Errorf("store %s: %w", g.StoreID, err))
			res.FailedStores = append(res.FailedStores, StoreFailure{StoreID: g.StoreID, Reason: err.Error()})
			res.Warnings = append(res.Warnings, fmt.Sprintf("order for store %s failed: %v", g.StoreID, err))
			c.logger.Error("Store order failed", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"group_id":       res.GroupID,
				"store_id":       g.StoreID,
				"error":          err.Error(),
			})
			continue
		}
		res.Orders = append(res.Orders, order)
		c.redeem(ctx, order, g)
		c.invoice(ctx, order)
	}

	if len(res.Orders) > 0 {
		return nil
	}
	c.rollback(ctx, append(stranded, res.Orders...))
	e := payerrors.Unknown(errors.Join(failures...))
	e.Message = "checkout failed: no order could be created"
	return e.WithOp("checkout")
}

// createOrder inserts one store's order and its items. When the items
// cannot be stored the order is deleted again; if that delete also fails
// the order is returned alongside the error.
func (c *Coordinator) createOrder(ctx context.Context, req Request, g *StoreGroup, index, total int, groupID string) (*ledger.Order, error) {
	now := c.now().UTC()
	number, err := c.uniqueOrderNumber(ctx, now)
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"group_id":     groupID,
		"store_index":  index,
		"total_stores": total,
	}
	if req.Affiliate != nil {
		metadata["affiliate_code"] = req.Affiliate.Code
		if req.Affiliate.ClickID != "" {
			metadata["affiliate_click_id"] = req.Affiliate.ClickID
		}
	}
	order := &ledger.Order{
		ID:              uuid.NewString(),
		StoreID:         g.StoreID,
		CustomerID:      req.CustomerID,
		OrderNumber:     number,
		Subtotal:        g.Subtotal,
		Tax:             g.Tax,
		Shipping:        g.Shipping,
		Discount:        g.Discount,
		TotalAmount:     g.Total,
		Currency:        req.Currency,
		Status:          ledger.OrderPending,
		PaymentStatus:   ledger.StatusPending,
		ShippingAddress: req.ShippingAddress,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	items := make([]*ledger.OrderItem, len(g.Items))
	for i, it := range g.Items {
		items[i] = &ledger.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: it.ProductID,
			StoreID:   g.StoreID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Total:     it.Total(),
		}
	}
	if err := c.store.CreateOrderItems(ctx, items); err != nil {
		if derr := c.store.DeleteOrder(ctx, order.ID); derr != nil {
			c.logger.Error("Failed to delete order after item failure", map[string]interface{}{
				"order_id": order.ID,
				"error":    derr.Error(),
			})
			return order, fmt.Errorf("create order items: %w", err)
		}
		return nil, fmt.Errorf("create order items: %w", err)
	}
	return order, nil
}

func (c *Coordinator) uniqueOrderNumber(ctx context.Context, now time.Time) (string, error) {
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		number := c.orderNumber(now)
		exists, err := c.store.OrderNumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("no unique order number after %d attempts", maxOrderNumberAttempts)
}

func (c *Coordinator) rollback(ctx context.Context, orders []*ledger.Order) {
	for _, o := range orders {
		if err := c.store.DeleteOrder(ctx, o.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			c.logger.Error("Checkout rollback failed", map[string]interface{}{
				"order_id": o.ID,
				"error":    err.Error(),
			})
		}
	}
}

// redeem applies the group's coupon and gift-card shares. Failures are
// logged only.
func (c *Coordinator) redeem(ctx context.Context, order *ledger.Order, g *StoreGroup) {
	for _, r := range g.Redemptions {
		var err error
		switch {
		case r.Kind == Coupon && c.coupons != nil:
			err = c.coupons.RedeemCoupon(ctx, r.Code, order.ID, r.Amount)
		case r.Kind == GiftCard && c.giftCards != nil:
			err = c.giftCards.RedeemGiftCard(ctx, r.Code, order.ID, r.Amount)
		}
		if err != nil {
			c.logger.Warn("Discount redemption failed", map[string]interface{}{
				"order_id": order.ID,
				"code":     r.Code,
				"kind":     string(r.Kind),
				"amount":   r.Amount,
				"error":    err.Error(),
			})
		}
	}
}

func (c *Coordinator) invoice(ctx context.Context, order *ledger.Order) {
	if c.invoices == nil {
		return
	}
	if err := c.invoices.GenerateInvoice(ctx, order); err != nil {
		c.logger.Warn("Invoice generation failed", map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
		})
	}
}

// storeIndex is the order's position in the original group, which
// differs from its position in res.Orders once a store has failed.
func storeIndex(order *ledger.Order, fallback int) string {
	if v, ok := order.Metadata["store_index"]; ok {
		return fmt.Sprint(v)
	}
	return strconv.Itoa(fallback)
}

// initiatePayments starts one payment per order. A failure leaves the
// order in place for the customer to retry.
func (c *Coordinator) initiatePayments(ctx context.Context, req Request, res *Result) {
	for i, order := range res.Orders {
		if order.TotalAmount == 0 {
			paid := ledger.OrderPaid
			status := ledger.StatusCompleted
			if updated, err := c.store.UpdateOrder(ctx, order.ID, ledger.OrderUpdate{Status: &paid, PaymentStatus: &status, At: c.now().UTC()}); err == nil {
				res.Orders[i] = updated
			}
			continue
		}

		result, err := c.payments.Initiate(ctx, payment.InitiateRequest{
			StoreID:     order.StoreID,
			OrderID:     order.ID,
			Amount:      order.TotalAmount,
			Currency:    order.Currency,
			Provider:    req.Provider,
			Description: "Order " + order.OrderNumber,
			Customer:    req.Customer,
			ReturnURL:   req.ReturnURL,
			CancelURL:   req.CancelURL,
			Metadata: map[string]string{
				"group_id":     res.GroupID,
				"order_number": order.OrderNumber,
				"store_index":  storeIndex(order, i),
			},
		})
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("payment for order %s could not be started: %v", order.OrderNumber, err))
			c.logger.Warn("Payment initiation failed for order", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"order_id":       order.ID,
				"store_id":       order.StoreID,
				"error":          err.Error(),
			})
			continue
		}
		res.Payments = append(res.Payments, result)
		if updated, err := c.store.GetOrder(ctx, order.ID); err == nil {
			res.Orders[i] = updated
		}
	}
}
