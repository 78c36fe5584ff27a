package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// PayDunyaKeys are the three PayDunya API credentials.
type PayDunyaKeys struct {
	MasterKey  string
	PrivateKey string
	Token      string
	StoreName  string
}

// PayDunyaClient speaks the PayDunya checkout-invoice API. PayDunya
// identifies a payment by its invoice token.
type PayDunyaClient struct {
	caller *Caller
	keys   PayDunyaKeys
}

func NewPayDunya(cfg CallerConfig, keys PayDunyaKeys) *PayDunyaClient {
	cfg.Provider = PayDunya
	cfg.Authorize = func(req *http.Request) error {
		if keys.MasterKey == "" || keys.PrivateKey == "" || keys.Token == "" {
			return errors.New("paydunya keys not configured")
		}
		req.Header.Set("PAYDUNYA-MASTER-KEY", keys.MasterKey)
		req.Header.Set("PAYDUNYA-PRIVATE-KEY", keys.PrivateKey)
		req.Header.Set("PAYDUNYA-TOKEN", keys.Token)
		return nil
	}
	cfg.Rejected = paydunyaRejected
	return &PayDunyaClient{caller: NewCaller(cfg), keys: keys}
}

func (p *PayDunyaClient) Name() string { return PayDunya }

// paydunyaRejected treats any response_code other than "00" as a failure.
func paydunyaRejected(body []byte) (bool, string) {
	var env struct {
		ResponseCode string `json:"response_code"`
		ResponseText string `json:"response_text"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return false, ""
	}
	if env.ResponseCode != "" && env.ResponseCode != "00" {
		return true, env.ResponseText
	}
	return false, ""
}

type paydunyaInvoice struct {
	TotalAmount int64  `json:"total_amount"`
	Description string `json:"description"`
}

type paydunyaCreateRequest struct {
	Invoice paydunyaInvoice `json:"invoice"`
	Store   struct {
		Name string `json:"name"`
	} `json:"store"`
	Actions struct {
		CancelURL string `json:"cancel_url,omitempty"`
		ReturnURL string `json:"return_url,omitempty"`
	} `json:"actions"`
	CustomData map[string]string `json:"custom_data,omitempty"`
}

type paydunyaCreateResponse struct {
	ResponseCode string `json:"response_code"`
	ResponseText string `json:"response_text"`
	Token        string `json:"token"`
}

type paydunyaConfirmResponse struct {
	ResponseCode string `json:"response_code"`
	Status       string `json:"status"`
	FailReason   string `json:"fail_reason,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Invoice      struct {
		Token       string          `json:"token"`
		TotalAmount decimal.Decimal `json:"total_amount"`
	} `json:"invoice"`
	Customer struct {
		PaymentMethod string `json:"payment_method,omitempty"`
	} `json:"customer"`
}

type paydunyaTokenRequest struct {
	Token  string `json:"token"`
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type paydunyaRefundResponse struct {
	ResponseCode string `json:"response_code"`
	RefundID     string `json:"refund_id"`
	Status       string `json:"status"`
}

func (p *PayDunyaClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	var payload paydunyaCreateRequest
	payload.Invoice = paydunyaInvoice{TotalAmount: req.Amount, Description: req.Description}
	payload.Store.Name = p.keys.StoreName
	payload.Actions.CancelURL = req.CancelURL
	payload.Actions.ReturnURL = req.ReturnURL
	payload.CustomData = map[string]string{
		"transaction_id": req.TransactionID,
		"customer_email": req.Customer.Email,
		"currency":       req.Currency,
	}
	for k, v := range req.Metadata {
		payload.CustomData[k] = v
	}

	var resp paydunyaCreateResponse
	action := Action{Name: "create_checkout", Method: http.MethodPost, Path: "/checkout-invoice/create"}
	if err := p.caller.Call(ctx, action, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" || !strings.HasPrefix(resp.ResponseText, "http") {
		return nil, payerrors.API(http.StatusBadGateway, "paydunya returned no invoice token or checkout url", "").WithOp(action.Name)
	}
	return &CheckoutResponse{CheckoutURL: resp.ResponseText, ProviderTransactionID: resp.Token}, nil
}

func (p *PayDunyaClient) VerifyPayment(ctx context.Context, token string) (*VerifyResponse, error) {
	var resp paydunyaConfirmResponse
	action := Action{Name: "verify_payment", Method: http.MethodGet, Path: "/checkout-invoice/confirm/" + url.PathEscape(token)}
	if err := p.caller.Call(ctx, action, nil, &resp); err != nil {
		return nil, err
	}
	currency := resp.Currency
	if currency == "" {
		currency = "XOF"
	}
	return &VerifyResponse{
		ProviderTransactionID: token,
		Status:                resp.Status,
		Amount:                resp.Invoice.TotalAmount,
		Currency:              currency,
		PaymentMethod:         resp.Customer.PaymentMethod,
		ErrorMessage:          resp.FailReason,
	}, nil
}

func (p *PayDunyaClient) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	var resp paydunyaRefundResponse
	action := Action{Name: "refund_payment", Method: http.MethodPost, Path: "/checkout-invoice/refund"}
	payload := paydunyaTokenRequest{Token: req.ProviderTransactionID, Amount: req.Amount, Reason: req.Reason}
	if err := p.caller.Call(ctx, action, payload, &resp); err != nil {
		return nil, err
	}
	return &RefundResponse{RefundID: resp.RefundID, Status: resp.Status}, nil
}

func (p *PayDunyaClient) CancelPayment(ctx context.Context, token string) error {
	action := Action{Name: "cancel_payment", Method: http.MethodPost, Path: "/checkout-invoice/cancel"}
	return p.caller.Call(ctx, action, paydunyaTokenRequest{Token: token}, nil)
}
