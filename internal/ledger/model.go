// Package ledger holds the persisted view of payment state: transactions,
// orders, their items and the append-only transaction log.
package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("ledger: record not found")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	ErrImmutableField    = errors.New("ledger: field is immutable")
)

// Status is the local transaction vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether verify should stop asking the provider.
// completed is terminal for verification even though refund may follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// pending -> processing, failed, cancelled
// processing -> completed, failed, cancelled
// completed -> refunded
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether from may move to to. Same-state moves are
// allowed so idempotent writes do not fail.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderStatus is the order fulfilment status.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

// Transaction is the unit of payment tracking. Amount is in minor units.
type Transaction struct {
	ID                    string                 `json:"id"`
	StoreID               string                 `json:"store_id"`
	OrderID               *string                `json:"order_id,omitempty"`
	Amount                int64                  `json:"amount"`
	Currency              string                 `json:"currency"`
	Status                Status                 `json:"status"`
	Provider              string                 `json:"provider"`
	ProviderTransactionID *string                `json:"provider_transaction_id,omitempty"`
	CustomerEmail         string                 `json:"customer_email,omitempty"`
	CustomerName          string                 `json:"customer_name,omitempty"`
	CustomerPhone         string                 `json:"customer_phone,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	FailedAt              *time.Time             `json:"failed_at,omitempty"`
	RefundedAt            *time.Time             `json:"refunded_at,omitempty"`
	CancelledAt           *time.Time             `json:"cancelled_at,omitempty"`
}

// ProviderRef returns the provider transaction id or "".
func (t *Transaction) ProviderRef() string {
	if t.ProviderTransactionID == nil {
		return ""
	}
	return *t.ProviderTransactionID
}

// TransactionUpdate is a partial update. Nil fields are left alone.
// Amount and Currency are only honoured when Correction is set, which is
// reserved for reconciliation.
type TransactionUpdate struct {
	Status                *Status
	ProviderTransactionID *string
	OrderID               *string
	Amount                *int64
	Currency              *string
	Metadata              map[string]interface{}
	Correction            bool
	At                    time.Time
}

// Apply mutates t according to u, enforcing the ledger invariants.
func (u TransactionUpdate) Apply(t *Transaction) error {
	if u.Status != nil {
		if !u.Correction && !CanTransition(t.Status, *u.Status) {
			return ErrInvalidTransition
		}
		if *u.Status != t.Status {
			at := u.At
			switch *u.Status {
			case StatusCompleted:
				t.CompletedAt = &at
			case StatusFailed:
				t.FailedAt = &at
			case StatusRefunded:
				t.RefundedAt = &at
			case StatusCancelled:
				t.CancelledAt = &at
			}
		}
		t.Status = *u.Status
	}
	if u.ProviderTransactionID != nil {
		if t.ProviderTransactionID != nil && *t.ProviderTransactionID != *u.ProviderTransactionID {
			return ErrImmutableField
		}
		id := *u.ProviderTransactionID
		t.ProviderTransactionID = &id
	}
	if u.OrderID != nil {
		id := *u.OrderID
		t.OrderID = &id
	}
	if u.Amount != nil && *u.Amount != t.Amount {
		if !u.Correction {
			return ErrImmutableField
		}
		t.Amount = *u.Amount
	}
	if u.Currency != nil && *u.Currency != t.Currency {
		if !u.Correction {
			return ErrImmutableField
		}
		t.Currency = *u.Currency
	}
	if len(u.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]interface{}, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = u.At
	return nil
}

// Address is the shipping destination of an order.
type Address struct {
	Name       string `json:"name" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country" validate:"required,len=2"`
	Phone      string `json:"phone,omitempty"`
}

// Order is a purchase scoped to exactly one store.
type Order struct {
	ID              string                 `json:"id"`
	StoreID         string                 `json:"store_id"`
	CustomerID      string                 `json:"customer_id"`
	OrderNumber     string                 `json:"order_number"`
	Subtotal        int64                  `json:"subtotal"`
	Tax             int64                  `json:"tax"`
	Shipping        int64                  `json:"shipping"`
	Discount        int64                  `json:"discount"`
	TotalAmount     int64                  `json:"total_amount"`
	Currency        string                 `json:"currency"`
	Status          OrderStatus            `json:"status"`
	PaymentStatus   Status                 `json:"payment_status"`
	ShippingAddress Address                `json:"shipping_address"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TransactionID   *string                `json:"transaction_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// OrderUpdate is a partial update of an order.
type OrderUpdate struct {
	Status        *OrderStatus
	PaymentStatus *Status
	TransactionID *string
	At            time.Time
}

func (u OrderUpdate) Apply(o *Order) {
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.PaymentStatus != nil {
		o.PaymentStatus = *u.PaymentStatus
	}
	if u.TransactionID != nil {
		id := *u.TransactionID
		o.TransactionID = &id
	}
	o.UpdatedAt = u.At
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	StoreID   string `json:"store_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

// LogEntry is one append-only audit row.
type LogEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	EventType     string    `json:"event_type"`
	Status        Status    `json:"status"`
	Request       string    `json:"request,omitempty"`
	Response      string    `json:"response,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransactionFilter selects transactions for reconciliation.
type TransactionFilter struct {
	From     time.Time
	To       time.Time
	Status   []Status
	Provider string
	Limit    int
}

func (f TransactionFilter) matches(t *Transaction) bool {
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	if f.Provider != "" && t.Provider != f.Provider {
		return false
	}
	if len(f.Status) > 0 {
		for _, s := range f.Status {
			if t.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Path returns the statuses a transaction passes through to get from one
// status to another, excluding from. It is nil when to is unreachable and
// empty when from == to.
func Path(from, to Status) []Status {
	if from == to {
		return []Status{}
	}
	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// OrderStatusFor mirrors a terminal payment status onto the order.
func OrderStatusFor(s Status) (OrderStatus, bool) {
	switch s {
	case StatusCompleted:
		return OrderPaid, true
	case StatusFailed:
		return OrderFailed, true
	case StatusCancelled:
		return OrderCancelled, true
	case StatusRefunded:
		return OrderRefunded, true
	}
	return "", false
}
