package payerrors

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestFromValidator(t *testing.T) {
	type payment struct {
		Amount   int64  `validate:"gt=0"`
		Currency string `validate:"required"`
	}
	err := validator.New().Struct(payment{})

	pe := FromValidator(err)
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Equal(t, "invalid request", pe.Message)
	assert.Contains(t, pe.Detail, "payment.Amount must satisfy gt=0")
	assert.Contains(t, pe.Detail, "payment.Currency must satisfy required")
	assert.False(t, pe.Retryable())

	plain := FromValidator(errors.New("amount must be an integer"))
	assert.Equal(t, "amount must be an integer", plain.Message)
	assert.Nil(t, FromValidator(nil))
}
