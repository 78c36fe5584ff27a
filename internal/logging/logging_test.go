package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestLogPromotesCommonFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LogLevelInfo, true, &buf)

	logger.Info("checkout created", map[string]interface{}{
		"correlation_id": "corr-1",
		"payment_id":     "tx-1",
		"provider":       "moneroo",
		"operation":      "create_checkout",
		"latency_ms":     int64(42),
		"amount":         1000,
	})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e.Level)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "tx-1", e.PaymentID)
	assert.Equal(t, "moneroo", e.Provider)
	assert.Equal(t, "create_checkout", e.Operation)
	assert.Equal(t, int64(42), e.Latency)
	assert.EqualValues(t, 1000, e.Fields["amount"])
	assert.NotContains(t, e.Fields, "provider")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LogLevelWarn, false, &buf)

	logger.Debug("hidden", nil)
	logger.Info("hidden", nil)
	logger.Warn("shown", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}

func TestMaskingAndSignatureTruncation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LogLevelDebug, true, &buf)

	logger.Warn("webhook rejected", map[string]interface{}{
		"signature":      "0123456789abcdef0123456789abcdef",
		"customer_email": "jane.doe@example.com",
		"secret_key":     "sk_live_1234567890",
		"card_number":    "4242 4242 4242 4242",
	})

	e := decodeLines(t, &buf)[0]
	assert.Equal(t, "01234567...", e.Fields["signature"])
	assert.Equal(t, "j******e@example.com", e.Fields["customer_email"])
	assert.Equal(t, "sk_l**********7890", e.Fields["secret_key"])
	assert.Equal(t, "************4242", e.Fields["card_number"])
}

func TestSignatureTruncatedWithoutMasking(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LogLevelDebug, false, &buf)

	logger.Info("x", map[string]interface{}{"received_signature": "sha256=deadbeefcafebabe"})

	e := decodeLines(t, &buf)[0]
	assert.Equal(t, "sha256=d...", e.Fields["received_signature"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *StructuredLogger
	assert.NotPanics(t, func() {
		logger.Info("nothing", map[string]interface{}{"a": 1})
	})
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))
	assert.Equal(t, "", CorrelationID(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelInfo, ParseLevel("nonsense"))
}
