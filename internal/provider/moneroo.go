package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// MonerooClient speaks the Moneroo REST API with a bearer secret key.
type MonerooClient struct {
	caller *Caller
}

// NewMoneroo builds the client. cfg.Authorize is filled in from secretKey.
func NewMoneroo(cfg CallerConfig, secretKey string) *MonerooClient {
	cfg.Provider = Moneroo
	cfg.Authorize = func(req *http.Request) error {
		if secretKey == "" {
			return errors.New("moneroo secret key not configured")
		}
		req.Header.Set("Authorization", "Bearer "+secretKey)
		return nil
	}
	return &MonerooClient{caller: NewCaller(cfg)}
}

func (m *MonerooClient) Name() string { return Moneroo }

type monerooCustomer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

type monerooInitRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Customer    monerooCustomer   `json:"customer"`
	ReturnURL   string            `json:"return_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type monerooEnvelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type monerooInitData struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

type monerooPayment struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency flexCurrency    `json:"currency"`
	Method   *struct {
		Name string `json:"name"`
	} `json:"method,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

type monerooRefundRequest struct {
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type monerooRefundData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (m *MonerooClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	first, last := req.Customer.FirstLast()
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["transaction_id"] = req.TransactionID

	payload := monerooInitRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Customer: monerooCustomer{
			Email:     req.Customer.Email,
			FirstName: first,
			LastName:  last,
			Phone:     req.Customer.Phone,
		},
		ReturnURL: req.ReturnURL,
		Metadata:  meta,
	}

	var resp monerooEnvelope[monerooInitData]
	action := Action{Name: "create_checkout", Method: http.MethodPost, Path: "/v1/payments/initialize"}
	if err := m.caller.Call(ctx, action, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" || resp.Data.CheckoutURL == "" {
		return nil, payerrors.API(http.StatusBadGateway, "moneroo returned no payment id or checkout url", "").WithOp(action.Name)
	}
	return &CheckoutResponse{CheckoutURL: resp.Data.CheckoutURL, ProviderTransactionID: resp.Data.ID}, nil
}

func (m *MonerooClient) VerifyPayment(ctx context.Context, providerTxnID string) (*VerifyResponse, error) {
	var resp monerooEnvelope[monerooPayment]
	action := Action{Name: "verify_payment", Method: http.MethodGet, Path: "/v1/payments/" + url.PathEscape(providerTxnID) + "/verify"}
	if err := m.caller.Call(ctx, action, nil, &resp); err != nil {
		return nil, err
	}
	v := &VerifyResponse{
		ProviderTransactionID: resp.Data.ID,
		Status:                resp.Data.Status,
		Amount:                resp.Data.Amount,
		Currency:              string(resp.Data.Currency),
		ErrorMessage:          resp.Data.FailureMessage,
	}
	if v.ProviderTransactionID == "" {
		v.ProviderTransactionID = providerTxnID
	}
	if resp.Data.Method != nil {
		v.PaymentMethod = resp.Data.Method.Name
	}
	return v, nil
}

func (m *MonerooClient) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	var resp monerooEnvelope[monerooRefundData]
	action := Action{Name: "refund_payment", Method: http.MethodPost, Path: "/v1/payments/" + url.PathEscape(req.ProviderTransactionID) + "/refund"}
	if err := m.caller.Call(ctx, action, monerooRefundRequest{Amount: req.Amount, Reason: req.Reason}, &resp); err != nil {
		return nil, err
	}
	return &RefundResponse{RefundID: resp.Data.ID, Status: resp.Data.Status}, nil
}

func (m *MonerooClient) CancelPayment(ctx context.Context, providerTxnID string) error {
	action := Action{Name: "cancel_payment", Method: http.MethodPost, Path: "/v1/payments/" + url.PathEscape(providerTxnID) + "/cancel"}
	return m.caller.Call(ctx, action, struct{}{}, nil)
}
