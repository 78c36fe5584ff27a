package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// EventHandler applies a verified provider event. The payment
// orchestrator implements it.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, provider, providerTxnID string) (*ledger.Transaction, error)
}

// Result describes one processed callback.
type Result struct {
	Provider      string              `json:"provider"`
	Event         string              `json:"event,omitempty"`
	ProviderTxnID string              `json:"provider_transaction_id"`
	Duplicate     bool                `json:"duplicate"`
	Transaction   *ledger.Transaction `json:"transaction,omitempty"`
}

type Processor struct {
	secrets map[string]string
	guard   ReplayGuard
	handler EventHandler
	logger  *logging.StructuredLogger
}

// NewProcessor takes the webhook secret per provider name.
func NewProcessor(secrets map[string]string, guard ReplayGuard, handler EventHandler, logger *logging.StructuredLogger) *Processor {
	return &Processor{secrets: secrets, guard: guard, handler: handler, logger: logger}
}

// SignatureHeader is the header a provider signs its callbacks with.
func SignatureHeader(provider string) string {
	return "X-" + provider + "-Signature"
}

type envelope struct {
	ID            string `json:"id"`
	Event         string `json:"event"`
	TransactionID string `json:"transaction_id"`
	Token         string `json:"token"`
	Data          struct {
		ID      string `json:"id"`
		Token   string `json:"token"`
		Invoice struct {
			Token string `json:"token"`
		} `json:"invoice"`
	} `json:"data"`
}

func (e envelope) providerTxnID() string {
	for _, v := range []string{e.Data.ID, e.TransactionID, e.Token, e.Data.Token, e.Data.Invoice.Token} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Handle verifies, de-duplicates and applies one callback. Nothing is
// touched unless the signature verifies.
func (p *Processor) Handle(ctx context.Context, provider string, header http.Header, body []byte) (*Result, error) {
	provider = strings.ToLower(provider)
	sig := header.Get(SignatureHeader(provider))

	if err := Verify(body, sig, p.secrets[provider]); err != nil {
		p.logger.Warn("Webhook signature rejected", map[string]interface{}{
			"correlation_id": logging.CorrelationID(ctx),
			"provider":       provider,
			"signature":      sig,
			"error":          err.Error(),
		})
		return nil, err
	}

	var ev envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, payerrors.Validationf("malformed webhook payload: %v", err).WithOp("webhook")
	}
	res := &Result{Provider: provider, Event: ev.Event, ProviderTxnID: ev.providerTxnID()}
	if res.ProviderTxnID == "" {
		return nil, payerrors.Validation("webhook payload names no payment").WithOp("webhook")
	}

	key := provider + ":" + ev.ID
	if ev.ID == "" {
		sum := sha256.Sum256(body)
		key = provider + ":" + hex.EncodeToString(sum[:])
	}
	if p.guard != nil {
		first, err := p.guard.Claim(ctx, key)
		if err != nil {
			// guard backend down: process anyway, verify is idempotent
			p.logger.Error("Webhook replay guard unavailable", map[string]interface{}{
				"provider": provider,
				"error":    err.Error(),
			})
		} else if !first {
			res.Duplicate = true
			p.logger.Info("Duplicate webhook ignored", map[string]interface{}{
				"provider":    provider,
				"provider_id": res.ProviderTxnID,
			})
			return res, nil
		}
	}

	tx, err := p.handler.HandleProviderEvent(ctx, provider, res.ProviderTxnID)
	if err != nil {
		if p.guard != nil {
			if rerr := p.guard.Release(ctx, key); rerr != nil {
				p.logger.Warn("Failed to release webhook key", map[string]interface{}{"provider": provider, "error": rerr.Error()})
			}
		}
		return nil, err
	}
	res.Transaction = tx

	p.logger.Info("Webhook processed", map[string]interface{}{
		"correlation_id": logging.CorrelationID(ctx),
		"payment_id":     tx.ID,
		"provider":       provider,
		"event":          ev.Event,
		"status":         string(tx.Status),
	})
	return res, nil
}
