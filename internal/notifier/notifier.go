// Package notifier sends the one-shot low balance alert. A redis marker
// records that the alert fired for the current crossing; it is cleared
// once the balance recovers, re-arming the alert for the next one.
package notifier

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/config"
	"github.com/smallbiznis/meterd/internal/lock"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/internal/providers/email"
)

const keyMarker = "notify:lowbalance:%s"

type Params struct {
	fx.In

	Log     *zap.Logger
	Locker  *lock.Locker
	Billing *config.BillingConfigHolder
	Orgs    orgdomain.Service
	Email   email.Provider
}

type LowBalanceNotifier struct {
	log     *zap.Logger
	locker  *lock.Locker
	billing *config.BillingConfigHolder
	orgs    orgdomain.Service
	email   email.Provider
}

func NewLowBalanceNotifier(p Params) *LowBalanceNotifier {
	return &LowBalanceNotifier{
		log:     p.Log.Named("notifier.lowbalance"),
		locker:  p.Locker,
		billing: p.Billing,
		orgs:    p.Orgs,
		email:   p.Email,
	}
}

// BalanceChanged runs after every ledger mutation. Everything in here is
// best effort; a lost alert is acceptable, a blocked debit is not.
func (n *LowBalanceNotifier) BalanceChanged(ctx context.Context, orgID snowflake.ID, newBalance int64) {
	threshold := n.billing.Get().LowBalanceThreshold
	key := fmt.Sprintf(keyMarker, orgID.String())

	if newBalance >= threshold {
		if err := n.locker.ClearMarker(ctx, key); err != nil {
			n.log.Warn("low balance marker clear failed",
				zap.String("org_id", orgID.String()), zap.Error(err))
		}
		return
	}

	created, err := n.locker.CreateMarker(ctx, key)
	if err != nil {
		n.log.Warn("low balance marker unavailable, skipping alert",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return
	}
	if !created {
		// Already fired for this crossing.
		return
	}

	n.send(ctx, orgID, newBalance, threshold)
}

func (n *LowBalanceNotifier) send(ctx context.Context, orgID snowflake.ID, balance, threshold int64) {
	org, err := n.orgs.GetByID(ctx, orgID)
	if err != nil {
		n.log.Warn("low balance alert skipped, organization lookup failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return
	}
	if org.BillingEmail == "" {
		n.log.Info("low balance alert skipped, no billing email",
			zap.String("org_id", orgID.String()))
		return
	}

	subject := "Your credit balance is running low"
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>Your credit balance dropped to <b>%d credits</b>, below the %d credit threshold. Add credits or enable auto top-up to avoid interruptions.</p>",
		org.Name, balance, threshold,
	)
	if err := n.email.Send(ctx, []string{org.BillingEmail}, subject, body); err != nil {
		n.log.Warn("low balance alert send failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return
	}

	n.log.Info("low balance alert sent",
		zap.String("org_id", orgID.String()),
		zap.Int64("balance", balance),
	)
}
