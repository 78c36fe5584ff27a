package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
	"github.com/zyndor1548/storefront-payments/internal/payment"
	"github.com/zyndor1548/storefront-payments/internal/provider"
)

type catalog map[string]string

func (c catalog) ResolveStore(_ context.Context, productID string) (string, bool, error) {
	if productID == "broken" {
		return "", false, errors.New("catalog unavailable")
	}
	s, ok := c[productID]
	return s, ok, nil
}

type fakeInitiator struct {
	mu       sync.Mutex
	requests []payment.InitiateRequest
	failFor  map[string]bool
}

func (f *fakeInitiator) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failFor[req.StoreID] {
		return nil, payerrors.API(503, "provider down", "")
	}
	return &payment.InitiateResult{
		Transaction: &ledger.Transaction{ID: "tx-" + req.OrderID, Amount: req.Amount, Status: ledger.StatusProcessing},
		CheckoutURL: "https://pay.test/" + req.OrderID,
	}, nil
}

type redeemLog struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *redeemLog) RedeemCoupon(_ context.Context, code, _ string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("coupon:%s:%d", code, amount))
	return r.err
}

func (r *redeemLog) RedeemGiftCard(_ context.Context, code, _ string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("gift:%s:%d", code, amount))
	return r.err
}

func (r *redeemLog) GenerateInvoice(context.Context, *ledger.Order) error { return r.err }

// itemFailStore fails CreateOrderItems for the listed stores.
type itemFailStore struct {
	*ledger.MemoryStore
	failFor map[string]bool
}

func failingItems(stores ...string) *itemFailStore {
	s := &itemFailStore{MemoryStore: ledger.NewMemoryStore(), failFor: map[string]bool{}}
	for _, id := range stores {
		s.failFor[id] = true
	}
	return s
}

func (s *itemFailStore) CreateOrderItems(ctx context.Context, items []*ledger.OrderItem) error {
	for _, it := range items {
		if s.failFor[it.StoreID] {
			return fmt.Errorf("insert order items for %s: connection reset", it.OrderID)
		}
	}
	return s.MemoryStore.CreateOrderItems(ctx, items)
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newCoordinator(store ledger.Store, init Initiator, opts ...Option) *Coordinator {
	cat := catalog{"p-a1": "store-a", "p-a2": "store-a", "p-b1": "store-b", "p-c1": "store-c"}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(cat, store, init, logging.Discard(), opts...)
}

func baseRequest(items ...LineItem) Request {
	return Request{
		CustomerID: "cust-1",
		Items:      items,
		ShippingAddress: ledger.Address{
			Name: "Jane Doe", Line1: "1 Rue du Port", City: "Dakar", Country: "SN",
		},
		Currency: "XOF",
		TaxRate:  decimal.Zero,
		Customer: provider.Customer{Email: "jane@example.com", Name: "Jane Doe"},
	}
}

func TestShippingSplitEvenlyAcrossStores(t *testing.T) {
	store := ledger.NewMemoryStore()
	init := &fakeInitiator{}
	req := baseRequest(
		LineItem{ProductID: "p-a1", Quantity: 2, UnitPrice: 1500},
		LineItem{ProductID: "p-b1", Quantity: 1, UnitPrice: 4000},
	)
	req.ShippingAmount = 1000

	res, err := newCoordinator(store, init).Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)

	a, b := res.Orders[0], res.Orders[1]
	assert.Equal(t, "store-a", a.StoreID)
	assert.EqualValues(t, 500, a.Shipping)
	assert.EqualValues(t, 500, b.Shipping)
	assert.EqualValues(t, 3500, a.TotalAmount)
	assert.EqualValues(t, 4500, b.TotalAmount)

	assert.Equal(t, res.GroupID, a.Metadata["group_id"])
	assert.Equal(t, res.GroupID, b.Metadata["group_id"])
	assert.Equal(t, 0, a.Metadata["store_index"])
	assert.Equal(t, 1, b.Metadata["store_index"])
	assert.Equal(t, 2, b.Metadata["total_stores"])
	assert.Regexp(t, `^ORD-20260314-[0-9A-F]{6}$`, a.OrderNumber)

	require.Len(t, res.Payments, 2)
	require.Len(t, init.requests, 2)
	assert.EqualValues(t, 3500, init.requests[0].Amount)
	assert.Equal(t, a.ID, init.requests[0].OrderID)
	assert.False(t, res.Partial())
}

func TestItemFailureCompensatesThatStoreOnly(t *testing.T) {
	store := failingItems("store-a")
	init := &fakeInitiator{}
	req := baseRequest(
		LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000},
		LineItem{ProductID: "p-b1", Quantity: 1, UnitPrice: 2000},
	)

	res, err := newCoordinator(store, init).Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "store-b", res.Orders[0].StoreID)
	require.Len(t, res.FailedStores, 1)
	assert.Equal(t, "store-a", res.FailedStores[0].StoreID)
	assert.True(t, res.Partial())
	assert.NotEmpty(t, res.Warnings)

	stored := store.Orders()
	require.Len(t, stored, 1, "store-a's order must be deleted")
	assert.Equal(t, "store-b", stored[0].StoreID)
	require.Len(t, init.requests, 1)

	// the payment carries the surviving order's own group position
	assert.Equal(t, 1, res.Orders[0].Metadata["store_index"])
	assert.Equal(t, "1", init.requests[0].Metadata["store_index"])
}

func TestNoOrderCreatedFailsCheckout(t *testing.T) {
	store := failingItems("store-a", "store-b")
	init := &fakeInitiator{}
	req := baseRequest(
		LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000},
		LineItem{ProductID: "p-b1", Quantity: 1, UnitPrice: 2000},
	)

	res, err := newCoordinator(store, init).Checkout(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, store.Orders())
	assert.Empty(t, init.requests)
}

func TestUnresolvableItemsAreSkipped(t *testing.T) {
	store := ledger.NewMemoryStore()
	req := baseRequest(
		LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000},
		LineItem{ProductID: "ghost", Quantity: 1, UnitPrice: 999},
		LineItem{ProductID: "broken", Quantity: 1, UnitPrice: 999},
	)

	res, err := newCoordinator(store, &fakeInitiator{}).Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.EqualValues(t, 1000, res.Orders[0].Subtotal)
	require.Len(t, res.SkippedItems, 2)
	assert.Equal(t, "ghost", res.SkippedItems[0].ProductID)
	assert.Contains(t, res.SkippedItems[1].Reason, "catalog unavailable")
	assert.Len(t, res.Warnings, 2)

	_, err = newCoordinator(store, &fakeInitiator{}).Checkout(context.Background(), baseRequest(LineItem{ProductID: "ghost", Quantity: 1, UnitPrice: 1}))
	assert.Equal(t, payerrors.KindValidation, payerrors.KindOf(err))
}

func TestPaymentFailureIsOnlyAWarning(t *testing.T) {
	store := ledger.NewMemoryStore()
	init := &fakeInitiator{failFor: map[string]bool{"store-b": true}}
	req := baseRequest(
		LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000},
		LineItem{ProductID: "p-b1", Quantity: 1, UnitPrice: 2000},
	)

	res, err := newCoordinator(store, init).Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Orders, 2)
	assert.Len(t, res.Payments, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "could not be started")
	assert.Len(t, store.Orders(), 2)
}

func TestRedemptionFailuresDoNotBlockOrders(t *testing.T) {
	store := ledger.NewMemoryStore()
	redeem := &redeemLog{err: errors.New("coupon service down")}
	req := baseRequest(LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000})
	req.Discounts = []Discount{{Code: "WELCOME", Kind: Coupon, Amount: 100}}

	res, err := newCoordinator(store, &fakeInitiator{}, WithCoupons(redeem), WithGiftCards(redeem), WithInvoices(redeem)).
		Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.EqualValues(t, 900, res.Orders[0].TotalAmount)
	assert.Equal(t, []string{"coupon:WELCOME:100"}, redeem.calls)
}

func TestOrderNumberCollisionsRetry(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.CreateOrder(context.Background(), &ledger.Order{ID: "existing", OrderNumber: "ORD-20260314-AAAAAA"}))

	numbers := []string{"ORD-20260314-AAAAAA", "ORD-20260314-AAAAAA", "ORD-20260314-BBBBBB"}
	next := func(time.Time) string {
		n := numbers[0]
		if len(numbers) > 1 {
			numbers = numbers[1:]
		}
		return n
	}
	req := baseRequest(LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000})
	res, err := newCoordinator(store, &fakeInitiator{}, WithOrderNumbers(next)).Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ORD-20260314-BBBBBB", res.Orders[0].OrderNumber)

	always := func(time.Time) string { return "ORD-20260314-AAAAAA" }
	_, err = newCoordinator(store, &fakeInitiator{}, WithOrderNumbers(always)).Checkout(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no order could be created")
}

func TestZeroTotalOrderNeedsNoPayment(t *testing.T) {
	store := ledger.NewMemoryStore()
	init := &fakeInitiator{}
	req := baseRequest(LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000})
	req.Discounts = []Discount{{Code: "GIFT", Kind: GiftCard, Amount: 5000}}

	res, err := newCoordinator(store, init).Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.EqualValues(t, 0, res.Orders[0].TotalAmount)
	assert.Equal(t, ledger.OrderPaid, res.Orders[0].Status)
	assert.Empty(t, init.requests)
}

func TestCheckoutValidation(t *testing.T) {
	cases := map[string]func(*Request){
		"no items":       func(r *Request) { r.Items = nil },
		"zero quantity":  func(r *Request) { r.Items[0].Quantity = 0 },
		"bad currency":   func(r *Request) { r.Currency = "xo" },
		"no address":     func(r *Request) { r.ShippingAddress = ledger.Address{} },
		"bad discount":   func(r *Request) { r.Discounts = []Discount{{Code: "X", Kind: "voucher", Amount: 1}} },
		"negative tax":   func(r *Request) { r.TaxRate = decimal.NewFromFloat(-0.1) },
		"customer email": func(r *Request) { r.Customer.Email = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := ledger.NewMemoryStore()
			req := baseRequest(LineItem{ProductID: "p-a1", Quantity: 1, UnitPrice: 1000})
			mutate(&req)
			_, err := newCoordinator(store, &fakeInitiator{}).Checkout(context.Background(), req)
			assert.Equal(t, payerrors.KindValidation, payerrors.KindOf(err))
			assert.Empty(t, store.Orders())
		})
	}
}

func groupsOf(subtotals ...int64) []*StoreGroup {
	out := make([]*StoreGroup, len(subtotals))
	for i, s := range subtotals {
		out[i] = &StoreGroup{StoreID: fmt.Sprintf("s%d", i), Subtotal: s}
	}
	return out
}

func TestApportionShippingRemainder(t *testing.T) {
	groups := groupsOf(100, 100, 100)
	Apportion(groups, decimal.Zero, 1000, nil)
	assert.EqualValues(t, 334, groups[0].Shipping)
	assert.EqualValues(t, 333, groups[1].Shipping)
	assert.EqualValues(t, 333, groups[2].Shipping)
}

func TestApportionTaxRounds(t *testing.T) {
	groups := groupsOf(1005, 333)
	Apportion(groups, decimal.RequireFromString("0.18"), 0, nil)
	assert.EqualValues(t, 181, groups[0].Tax) // 180.9
	assert.EqualValues(t, 60, groups[1].Tax)  // 59.94
	assert.EqualValues(t, 1186, groups[0].Total)
}

func TestApportionDiscounts(t *testing.T) {
	groups := groupsOf(3000, 1000)
	Apportion(groups, decimal.Zero, 0, []Discount{
		{Code: "TEN", Kind: Coupon, Amount: 1000},
		{Code: "B-ONLY", Kind: Coupon, StoreID: "s1", Amount: 200},
	})
	assert.EqualValues(t, 750, groups[0].Discount)
	assert.EqualValues(t, 450, groups[1].Discount)
	assert.EqualValues(t, 2250, groups[0].Total)
	assert.EqualValues(t, 550, groups[1].Total)

	odd := groupsOf(1, 1, 1)
	Apportion(odd, decimal.Zero, 0, []Discount{{Code: "C", Kind: Coupon, Amount: 100}})
	assert.EqualValues(t, 33, odd[0].Discount)
	assert.EqualValues(t, 33, odd[1].Discount)
	assert.EqualValues(t, 34, odd[2].Discount, "last store takes the remainder")
	for _, g := range odd {
		assert.Zero(t, g.Total, "totals floor at zero")
	}
}

func TestApportionGiftCardNeverExceedsBalance(t *testing.T) {
	groups := groupsOf(1000, 3000)
	groups[0].StoreID = "a"
	Apportion(groups, decimal.Zero, 0, []Discount{
		{Code: "A-COUPON", Kind: Coupon, StoreID: "a", Amount: 900},
		{Code: "GIFT", Kind: GiftCard, Amount: 2000},
	})
	// a owes 100 after its coupon, so its 500 share of the card is capped
	assert.EqualValues(t, 1000, groups[0].Discount)
	assert.EqualValues(t, 1500, groups[1].Discount)

	var redeemed int64
	for _, g := range groups {
		for _, r := range g.Redemptions {
			if r.Kind == GiftCard {
				redeemed += r.Amount
			}
		}
	}
	assert.LessOrEqual(t, redeemed, int64(2000))
	assert.EqualValues(t, 1600, redeemed)
}

func TestGroupKeepsFirstAppearanceOrder(t *testing.T) {
	cat := catalog{"x": "store-b", "y": "store-a", "z": "store-b"}
	groups, skipped := Group(context.Background(), cat, []LineItem{
		{ProductID: "x", Quantity: 1, UnitPrice: 10},
		{ProductID: "y", Quantity: 2, UnitPrice: 5},
		{ProductID: "z", Quantity: 3, UnitPrice: 1},
	})
	require.Len(t, groups, 2)
	assert.Empty(t, skipped)
	assert.Equal(t, "store-b", groups[0].StoreID)
	assert.EqualValues(t, 13, groups[0].Subtotal)
	assert.Len(t, groups[0].Items, 2)
	assert.EqualValues(t, 10, groups[1].Subtotal)
}
