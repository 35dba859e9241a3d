// Package topup evaluates threshold-triggered automatic credit
// purchases. Evaluation is opportunistic: it runs after every charged
// step and on demand, and a skipped evaluation is always safe because
// the next one sees the same durable state.
package topup

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	"github.com/smallbiznis/meterd/internal/lock"
	"github.com/smallbiznis/meterd/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/meterd/internal/payment/domain"
)

const (
	keyLock = "topup:%s"

	// Long enough to cover a slow card charge; an abandoned lock only
	// delays the next evaluation, it never loses money.
	lockTTL = 15 * time.Minute
)

// Skip reasons for evaluations that did not purchase anything.
const (
	ReasonDisabled       = "disabled"
	ReasonBalanceHealthy = "balance-healthy"
	ReasonCapExceeded    = "monthly-cap-exceeded"
	ReasonInFlight       = "evaluation-in-flight"
)

// Result reports one evaluation. Reason is set only when nothing was
// purchased.
type Result struct {
	Triggered    bool
	CreditsAdded int64
	Reason       string
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Locker  *lock.Locker
	Orgs    orgdomain.Service
	Ledger  ledgerdomain.Service
	Balance *balance.Cache
	Payment paymentdomain.Provider
	Metrics *metrics.Metrics `optional:"true"`
}

type Controller struct {
	log     *zap.Logger
	clock   clock.Clock
	billing *config.BillingConfigHolder
	locker  *lock.Locker
	orgs    orgdomain.Service
	ledger  ledgerdomain.Service
	balance *balance.Cache
	payment paymentdomain.Provider
	metrics *metrics.Metrics
}

func NewController(p Params) *Controller {
	return &Controller{
		log:     p.Log.Named("topup.controller"),
		clock:   p.Clock,
		billing: p.Billing,
		locker:  p.Locker,
		orgs:    p.Orgs,
		ledger:  p.Ledger,
		balance: p.Balance,
		payment: p.Payment,
		metrics: p.Metrics,
	}
}

// Evaluate checks whether the organization qualifies for an automatic
// refill and, if so, charges the saved payment method and credits the
// ledger. At most one evaluation per organization runs at a time.
func (c *Controller) Evaluate(ctx context.Context, orgID snowflake.ID) (*Result, error) {
	cfg, err := c.orgs.GetAutoTopUpConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled || cfg.RefillAmount <= 0 {
		return &Result{Reason: ReasonDisabled}, nil
	}

	bal, err := c.balance.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if bal >= cfg.Threshold {
		return &Result{Reason: ReasonBalanceHealthy}, nil
	}

	if cfg.MaxMonthlySpend != nil {
		spent, err := c.monthlySpend(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if spent+cfg.RefillAmount > *cfg.MaxMonthlySpend {
			c.log.Info("auto top-up blocked by monthly cap",
				zap.String("org_id", orgID.String()),
				zap.Int64("spent", spent),
				zap.Int64("refill", cfg.RefillAmount),
				zap.Int64("cap", *cfg.MaxMonthlySpend),
			)
			return &Result{Reason: ReasonCapExceeded}, nil
		}
	}

	key := fmt.Sprintf(keyLock, orgID.String())
	token, acquired, err := c.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &Result{Reason: ReasonInFlight}, nil
	}
	defer func() {
		if err := c.locker.Release(ctx, key, token); err != nil {
			c.log.Warn("auto top-up lock release failed",
				zap.String("org_id", orgID.String()), zap.Error(err))
		}
	}()

	return c.purchase(ctx, orgID, cfg)
}

func (c *Controller) purchase(ctx context.Context, orgID snowflake.ID, cfg *orgdomain.AutoTopUpConfig) (*Result, error) {
	org, err := c.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	method := cfg.PaymentMethodRef
	if method == "" {
		method, err = c.payment.GetDefaultPaymentMethod(ctx, org.ExternalRef)
		if err != nil {
			return nil, err
		}
	}

	amountCents := cfg.RefillAmount * c.billing.Get().CentsPerCredit
	charge, err := c.payment.Charge(ctx, paymentdomain.ChargeRequest{
		OrgRef:           org.ExternalRef,
		AmountCents:      amountCents,
		PaymentMethodRef: method,
		Description:      fmt.Sprintf("Auto top-up: %d credits", cfg.RefillAmount),
	})
	if err != nil {
		return nil, err
	}

	note := fmt.Sprintf("Auto top-up of %d credits (charge %s)", cfg.RefillAmount, charge.ID)
	if _, err := c.ledger.AddCredits(ctx, orgID, cfg.RefillAmount, ledgerdomain.SourceAutoTopUp, note); err != nil {
		// The card was charged but the credits were not recorded. Log
		// loudly; reconciliation happens against the charge id.
		c.log.Error("auto top-up charged but ledger credit failed",
			zap.String("org_id", orgID.String()),
			zap.String("charge_id", charge.ID),
			zap.Error(err),
		)
		return nil, err
	}

	c.metrics.RecordTopUpTriggered(ctx, orgID.String())
	c.log.Info("auto top-up completed",
		zap.String("org_id", orgID.String()),
		zap.Int64("credits", cfg.RefillAmount),
		zap.String("charge_id", charge.ID),
	)
	return &Result{Triggered: true, CreditsAdded: cfg.RefillAmount}, nil
}

// monthlySpend sums this calendar month's auto top-up additions.
func (c *Controller) monthlySpend(ctx context.Context, orgID snowflake.ID) (int64, error) {
	now := c.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return c.ledger.SumAdditionsBySource(ctx, orgID, ledgerdomain.SourceAutoTopUp, monthStart, monthStart.AddDate(0, 1, 0))
}

var Module = fx.Module("topup",
	fx.Provide(NewController),
)
