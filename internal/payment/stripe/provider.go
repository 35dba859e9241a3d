package stripe

import (
	"context"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/payment/domain"
)

// Provider charges saved cards through stripe. The organization's
// external ref doubles as the stripe customer id.
type Provider struct {
	api *client.API
	log *zap.Logger
}

func NewProvider(secretKey string, log *zap.Logger) *Provider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Provider{api: api, log: log.Named("payment.stripe")}
}

func (p *Provider) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.PaymentMethodRef == "" {
		return nil, domain.ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.OrgRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Description:   stripe.String(req.Description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		p.log.Warn("stripe charge failed", zap.String("org_ref", req.OrgRef), zap.Error(err))
		return nil, err
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		p.log.Warn("stripe charge not settled",
			zap.String("org_ref", req.OrgRef),
			zap.String("status", string(intent.Status)),
		)
		return nil, domain.ErrChargeDeclined
	}

	return &domain.ChargeResult{ID: intent.ID, Status: string(intent.Status)}, nil
}

func (p *Provider) GetDefaultPaymentMethod(ctx context.Context, orgRef string) (string, error) {
	cust, err := p.api.Customers.Get(orgRef, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", err
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", domain.ErrNoPaymentMethod
	}
	return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
}
