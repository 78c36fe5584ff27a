package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

const secret = "whsec_test"

var payload = []byte(`{"id":"evt_1","event":"payment.success","data":{"id":"py_000001"}}`)

func TestSignVerifySymmetry(t *testing.T) {
	sig := Sign(payload, secret)
	require.NoError(t, Verify(payload, sig, secret))
	require.NoError(t, Verify(payload, "sha256="+sig, secret))
	require.NoError(t, Verify(payload, "  SHA256="+strings.ToUpper(sig)+" ", secret))

	assert.Error(t, Verify(payload, sig, "other"))

	for i := range payload {
		flipped := bytes.Clone(payload)
		flipped[i] ^= 0x01
		assert.Error(t, Verify(flipped, sig, secret), "byte %d", i)
	}
}

func TestVerifyRejections(t *testing.T) {
	sig := Sign(payload, secret)
	cases := map[string]struct {
		header, secret string
	}{
		"missing header": {"", secret},
		"prefix only":    {"sha256=", secret},
		"missing secret": {sig, ""},
		"truncated":      {sig[:10], secret},
		"not hex":        {strings.Repeat("z", len(sig)), secret},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			err := Verify(payload, c.header, c.secret)
			require.Error(t, err)
			assert.Equal(t, payerrors.KindWebhookSignature, payerrors.KindOf(err))
			assert.False(t, payerrors.IsRetryable(err))
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("abc", "abc"))
	assert.False(t, constantTimeEqual("abc", "abd"))
	assert.False(t, constantTimeEqual("abc", "abcd"))
	assert.True(t, constantTimeEqual("", ""))
}

type fakeHandler struct {
	calls []string
	err   error
}

func (f *fakeHandler) HandleProviderEvent(_ context.Context, provider, id string) (*ledger.Transaction, error) {
	f.calls = append(f.calls, provider+"/"+id)
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Transaction{ID: "tx-1", Status: ledger.StatusCompleted}, nil
}

func signed(provider string, body []byte) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader(provider), "sha256="+Sign(body, secret))
	return h
}

func TestProcessorAppliesVerifiedEventsOnce(t *testing.T) {
	handler := &fakeHandler{}
	p := NewProcessor(map[string]string{"moneroo": secret}, NewMemoryReplayGuard(time.Hour), handler, logging.Discard())
	ctx := context.Background()

	res, err := p.Handle(ctx, "Moneroo", signed("moneroo", payload), payload)
	require.NoError(t, err)
	assert.Equal(t, "py_000001", res.ProviderTxnID)
	assert.False(t, res.Duplicate)
	assert.Equal(t, ledger.StatusCompleted, res.Transaction.Status)

	res, err = p.Handle(ctx, "moneroo", signed("moneroo", payload), payload)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, []string{"moneroo/py_000001"}, handler.calls)
}

func TestProcessorHeaderLookupIsCaseInsensitive(t *testing.T) {
	handler := &fakeHandler{}
	p := NewProcessor(map[string]string{"paydunya": secret}, nil, handler, logging.Discard())

	body := []byte(`{"data":{"invoice":{"token":"test_42"}}}`)
	h := http.Header{}
	h.Set("x-paydunya-signature", Sign(body, secret))

	res, err := p.Handle(context.Background(), "paydunya", h, body)
	require.NoError(t, err)
	assert.Equal(t, "test_42", res.ProviderTxnID)
}

func TestProcessorRejectsBeforeAnyStateChange(t *testing.T) {
	handler := &fakeHandler{}
	guard := NewMemoryReplayGuard(time.Hour)
	p := NewProcessor(map[string]string{"moneroo": secret}, guard, handler, logging.Discard())
	ctx := context.Background()

	_, err := p.Handle(ctx, "moneroo", http.Header{}, payload)
	assert.Equal(t, payerrors.KindWebhookSignature, payerrors.KindOf(err))

	_, err = p.Handle(ctx, "moneroo", signed("moneroo", []byte("{}")), payload)
	assert.Equal(t, payerrors.KindWebhookSignature, payerrors.KindOf(err))

	_, err = p.Handle(ctx, "paydunya", signed("paydunya", payload), payload)
	assert.Equal(t, payerrors.KindWebhookSignature, payerrors.KindOf(err), "no secret configured")

	assert.Empty(t, handler.calls)
	first, _ := guard.Claim(ctx, "moneroo:evt_1")
	assert.True(t, first, "rejected callbacks must not consume the replay key")
}

func TestProcessorMalformedPayload(t *testing.T) {
	p := NewProcessor(map[string]string{"moneroo": secret}, nil, &fakeHandler{}, logging.Discard())

	body := []byte(`not json`)
	_, err := p.Handle(context.Background(), "moneroo", signed("moneroo", body), body)
	assert.Equal(t, payerrors.KindValidation, payerrors.KindOf(err))

	body = []byte(`{"event":"ping"}`)
	_, err = p.Handle(context.Background(), "moneroo", signed("moneroo", body), body)
	assert.Equal(t, payerrors.KindValidation, payerrors.KindOf(err))
}

func TestProcessorReleasesKeyWhenHandlerFails(t *testing.T) {
	handler := &fakeHandler{err: errors.New("provider unreachable")}
	p := NewProcessor(map[string]string{"moneroo": secret}, NewMemoryReplayGuard(time.Hour), handler, logging.Discard())
	ctx := context.Background()

	_, err := p.Handle(ctx, "moneroo", signed("moneroo", payload), payload)
	require.Error(t, err)

	handler.err = nil
	res, err := p.Handle(ctx, "moneroo", signed("moneroo", payload), payload)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Len(t, handler.calls, 2)
}

func TestRedisReplayGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	guard := NewRedisReplayGuard(client, time.Minute)
	ctx := context.Background()

	first, err := guard.Claim(ctx, "moneroo:evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := guard.Claim(ctx, "moneroo:evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	expired, err := guard.Claim(ctx, "moneroo:evt_1")
	require.NoError(t, err)
	assert.True(t, expired)

	require.NoError(t, guard.Release(ctx, "moneroo:evt_1"))
	released, _ := guard.Claim(ctx, "moneroo:evt_1")
	assert.True(t, released)
}

func TestMemoryReplayGuardExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	guard := NewMemoryReplayGuard(time.Minute)
	guard.now = func() time.Time { return now }
	ctx := context.Background()

	first, _ := guard.Claim(ctx, "k")
	second, _ := guard.Claim(ctx, "k")
	assert.True(t, first)
	assert.False(t, second)

	now = now.Add(2 * time.Minute)
	third, _ := guard.Claim(ctx, "k")
	assert.True(t, third)
}
