package provider

import (
	"strings"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
)

// statusTable is the only provider -> local status mapping. Verify and
// reconciliation both go through MapStatus.
var statusTable = map[string]ledger.Status{
	"success":    ledger.StatusCompleted,
	"successful": ledger.StatusCompleted,
	"succeeded":  ledger.StatusCompleted,
	"completed":  ledger.StatusCompleted,
	"paid":       ledger.StatusCompleted,

	"failed":   ledger.StatusFailed,
	"failure":  ledger.StatusFailed,
	"declined": ledger.StatusFailed,
	"expired":  ledger.StatusFailed,

	"cancelled": ledger.StatusCancelled,
	"canceled":  ledger.StatusCancelled,

	"refunded": ledger.StatusRefunded,

	"processing": ledger.StatusProcessing,
	"initiated":  ledger.StatusPending,
	"pending":    ledger.StatusPending,
}

// MapStatus translates provider vocabulary. Unknown values map to pending
// so nothing terminal is inferred from a status we do not understand.
func MapStatus(raw string) ledger.Status {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return ledger.StatusPending
}
