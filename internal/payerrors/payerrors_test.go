package payerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableByKind(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"network", Network(errors.New("boom")), true},
		{"timeout", Timeout(context.DeadlineExceeded), true},
		{"validation", Validation("bad amount"), false},
		{"auth", Authentication("no identity"), false},
		{"webhook", WebhookSignature("mismatch"), false},
		{"refund", Refund("refund failed", nil), false},
		{"api 500", API(500, "", ""), true},
		{"api 503", API(503, "", ""), true},
		{"api 429", RateLimited(time.Second), true},
		{"api 404", API(404, "", ""), false},
		{"api 409", API(409, "", ""), false},
		{"api unknown", API(0, "", ""), false},
		{"unknown", Unknown(errors.New("x")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Classify(nil))
	})

	t.Run("passes classified errors through", func(t *testing.T) {
		orig := Validation("x")
		wrapped := fmt.Errorf("initiate: %w", orig)
		assert.Same(t, orig, Classify(wrapped))
	})

	t.Run("deadline exceeded is timeout", func(t *testing.T) {
		assert.Equal(t, KindTimeout, Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)
	})

	t.Run("op error is network", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
		assert.Equal(t, KindNetwork, Classify(err).Kind)
	})

	t.Run("message inspection", func(t *testing.T) {
		assert.Equal(t, KindNetwork, Classify(errors.New("read: connection reset by peer")).Kind)
		assert.Equal(t, KindTimeout, Classify(errors.New("i/o timeout")).Kind)
	})

	t.Run("unmatched becomes generic api error", func(t *testing.T) {
		c := Classify(errors.New("weird"))
		assert.Equal(t, KindAPI, c.Kind)
		assert.Equal(t, 0, c.Status)
		assert.False(t, c.Retryable())
	})
}

func TestFromHTTPStatus(t *testing.T) {
	e := FromHTTPStatus(http.StatusUnprocessableEntity, "amount invalid", `{"message":"amount invalid"}`)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, `{"message":"amount invalid"}`, e.Body)
	assert.Equal(t, "amount invalid", e.Detail)

	assert.Equal(t, KindAuthentication, FromHTTPStatus(http.StatusUnauthorized, "", "").Kind)

	e = FromHTTPStatus(http.StatusBadGateway, "upstream", "")
	assert.Equal(t, KindAPI, e.Kind)
	assert.True(t, e.Retryable())
}

func TestErrorFormattingAndCodes(t *testing.T) {
	e := API(http.StatusTooManyRequests, "slow down", "").WithOp("create_checkout")
	assert.Contains(t, e.Error(), "create_checkout")
	assert.Contains(t, e.Error(), "status 429")
	assert.Equal(t, ErrRateLimited, e.Code())
	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatus())

	assert.Equal(t, http.StatusBadRequest, Validation("x").HTTPStatus())
	assert.Equal(t, ErrInvalidSignature, WebhookSignature("x").Code())
}

func TestKindOfAndAs(t *testing.T) {
	err := fmt.Errorf("refund: %w", Refund("declined", errors.New("provider said no")))
	assert.Equal(t, KindRefund, KindOf(err))

	pe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "declined", pe.Message)
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(errors.New("connection refused")))
}
