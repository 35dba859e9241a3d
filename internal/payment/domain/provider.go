// Package domain defines the external payment capability. Card
// mechanics stay behind this interface; the billing core only asks to
// charge a saved payment method.
package domain

import (
	"context"
	"errors"
)

var (
	ErrNoPaymentMethod = errors.New("no_payment_method")
	ErrChargeDeclined  = errors.New("charge_declined")
)

type ChargeRequest struct {
	OrgRef           string
	AmountCents      int64
	PaymentMethodRef string
	Description      string
}

type ChargeResult struct {
	ID     string
	Status string
}

type Provider interface {
	// Charge debits the referenced payment method off-session. The
	// request either settles or returns an error; there is no pending
	// state surfaced to callers.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// GetDefaultPaymentMethod resolves the saved method to charge when
	// the top-up config does not name one.
	GetDefaultPaymentMethod(ctx context.Context, orgRef string) (string, error)
}
