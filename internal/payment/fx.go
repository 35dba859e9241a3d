package payment

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/config"
	"github.com/smallbiznis/meterd/internal/payment/domain"
	stripeprovider "github.com/smallbiznis/meterd/internal/payment/stripe"
)

// NoOp declines everything. It stands in when no payment processor is
// configured, so auto top-up degrades to "blocked" instead of minting
// credits for free.
type NoOp struct {
	log *zap.Logger
}

func NewNoOp(log *zap.Logger) *NoOp {
	return &NoOp{log: log.Named("payment.noop")}
}

func (n *NoOp) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	n.log.Warn("charge requested without a configured payment processor",
		zap.String("org_ref", req.OrgRef))
	return nil, domain.ErrNoPaymentMethod
}

func (n *NoOp) GetDefaultPaymentMethod(ctx context.Context, orgRef string) (string, error) {
	return "", domain.ErrNoPaymentMethod
}

func NewProvider(cfg config.Config, log *zap.Logger) domain.Provider {
	if cfg.StripeSecretKey == "" {
		return NewNoOp(log)
	}
	return stripeprovider.NewProvider(cfg.StripeSecretKey, log)
}

var Module = fx.Module("payment",
	fx.Provide(NewProvider),
)
