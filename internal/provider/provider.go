// Package provider talks to external payment providers. Every provider is
// a Client; the orchestrator never switches on provider names.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
)

const (
	Moneroo  = "moneroo"
	PayDunya = "paydunya"
)

// Customer is the payer contact forwarded to the provider.
type Customer struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone,omitempty"`
}

// FirstLast splits Name for providers that want the parts.
func (c Customer) FirstLast() (string, string) {
	name := strings.TrimSpace(c.Name)
	if i := strings.LastIndex(name, " "); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, name
}

type CheckoutRequest struct {
	TransactionID string
	Amount        int64
	Currency      string
	Description   string
	Customer      Customer
	ReturnURL     string
	CancelURL     string
	Metadata      map[string]string
}

type CheckoutResponse struct {
	CheckoutURL           string
	ProviderTransactionID string
}

// VerifyResponse is provider truth for one payment. Status is in the
// provider's own vocabulary; use MapStatus to translate it.
type VerifyResponse struct {
	ProviderTransactionID string
	Status                string
	Amount                decimal.Decimal
	Currency              string
	PaymentMethod         string
	ErrorMessage          string
}

// LocalStatus maps Status through the shared table.
func (v *VerifyResponse) LocalStatus() ledger.Status {
	return MapStatus(v.Status)
}

type RefundRequest struct {
	ProviderTransactionID string
	Amount                int64
	Currency              string
	Reason                string
}

type RefundResponse struct {
	RefundID string
	Status   string
}

// Client is one payment provider.
type Client interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error)
	VerifyPayment(ctx context.Context, providerTxnID string) (*VerifyResponse, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	CancelPayment(ctx context.Context, providerTxnID string) error
}

// flexCurrency accepts "XOF" or {"code":"XOF"}.
type flexCurrency string

func (f *flexCurrency) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexCurrency(s)
		return nil
	}
	var obj struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*f = flexCurrency(obj.Code)
	return nil
}
