// Package step orchestrates billing for one unit of inference work:
// at-most-once locking, duplicate detection, payment path selection,
// the ledger debit and the post-step auto top-up hook.
package step

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	"github.com/smallbiznis/meterd/internal/lock"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	"github.com/smallbiznis/meterd/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/recurring"
	"github.com/smallbiznis/meterd/internal/topup"
)

const (
	keyStepLock = "step:%s"

	// Covers the debit round trips; an abandoned lock delays a retried
	// step by at most this long.
	stepLockTTL = time.Minute
)

// Payment paths, recorded in metrics and logs.
const (
	pathByok      = "byok"
	pathLegacy    = "legacy"
	pathAllowance = "allowance"
	pathReplay    = "replay"
)

// Request describes one completed unit of work to bill.
type Request struct {
	ID                string
	ModelName         string
	ModelEndpoint     string
	ContextWindowSize int64
	OrganizationRef   string
	ProviderCategory  string
}

// ChargeResult reports the transaction covering the step. NewBalance is
// nil on an idempotent replay, where no balance moved in this call.
type ChargeResult struct {
	TransactionID snowflake.ID
	NewBalance    *int64
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Locker    *lock.Locker
	Orgs      orgdomain.Service
	Models    modeldomain.Service
	Ledger    ledgerdomain.Service
	Recurring *recurring.Pool
	Quota     *quota.Gate
	TopUp     *topup.Controller
	Metrics   *metrics.Metrics `optional:"true"`
}

type Processor struct {
	log       *zap.Logger
	locker    *lock.Locker
	orgs      orgdomain.Service
	models    modeldomain.Service
	ledger    ledgerdomain.Service
	recurring *recurring.Pool
	quota     *quota.Gate
	topup     *topup.Controller
	metrics   *metrics.Metrics
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		log:       p.Log.Named("step.processor"),
		locker:    p.Locker,
		orgs:      p.Orgs,
		models:    p.Models,
		ledger:    p.Ledger,
		recurring: p.Recurring,
		quota:     p.Quota,
		topup:     p.TopUp,
		metrics:   p.Metrics,
	}
}

// ChargeStep bills one completed step. A nil result with a nil error
// means billing was deferred: the work happened, the charge did not, and
// a later retry or reconciliation settles it. Callers must never roll
// back work over a nil result.
func (p *Processor) ChargeStep(ctx context.Context, req Request) (*ChargeResult, error) {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.OrganizationRef) == "" {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	log := p.log.With(zap.String("step_id", req.ID), zap.String("org_ref", req.OrganizationRef))

	lockKey := fmt.Sprintf(keyStepLock, req.ID)
	token, acquired, err := p.locker.TryLock(ctx, lockKey, stepLockTTL)
	if err != nil {
		log.Warn("step lock unavailable, deferring billing", zap.Error(err))
		return nil, nil
	}
	if !acquired {
		// Another worker is billing this step.
		return nil, nil
	}
	defer func() {
		if err := p.locker.Release(ctx, lockKey, token); err != nil {
			log.Warn("step lock release failed", zap.Error(err))
		}
	}()

	if existing, err := p.ledger.FindByStepID(ctx, req.ID); err != nil {
		log.Warn("duplicate check failed, deferring billing", zap.Error(err))
		return nil, nil
	} else if existing != nil {
		p.metrics.RecordStepCharged(ctx, pathReplay)
		return &ChargeResult{TransactionID: existing.ID}, nil
	}

	org, err := p.orgs.ResolveByRef(ctx, req.OrganizationRef)
	if err != nil {
		return p.deferOrFail(log, "organization resolution failed", err)
	}

	defer p.evaluateTopUp(ctx, log, org.ID)

	res, err := p.charge(ctx, log, org, req)
	if err != nil {
		return p.deferOrFail(log, "step charge failed", err)
	}
	return res, nil
}

func (p *Processor) charge(ctx context.Context, log *zap.Logger, org *orgdomain.Organization, req Request) (*ChargeResult, error) {
	model, err := p.models.GetByName(ctx, req.ModelName)
	if err != nil {
		return nil, err
	}

	metadata := datatypes.JSONMap{
		"model_endpoint":      req.ModelEndpoint,
		"context_window_size": req.ContextWindowSize,
		"provider_category":   req.ProviderCategory,
	}

	// Customer-keyed usage is billed outside the credit system; record
	// a zero cost audit row and stop. The row must carry zero true cost
	// too, or allowance rebuilds from the ledger would count it. The
	// platform price is kept in metadata for reporting.
	if strings.EqualFold(strings.TrimSpace(req.ProviderCategory), modeldomain.ProviderByok) {
		metadata["cost_per_step"] = model.CostPerStep
		res, _, err := p.debit(ctx, pathByok, ledgerdomain.RemoveCreditsRequest{
			OrgID:     org.ID,
			Amount:    0,
			TrueCost:  0,
			Source:    ledgerdomain.SourceByokAudit,
			StepID:    req.ID,
			ModelID:   model.Name,
			ModelTier: string(model.Tier),
			Note:      "BYOK usage, billed outside platform credits",
			Metadata:  metadata,
		})
		return res, err
	}

	sub, err := p.orgs.GetSubscription(ctx, org.ID)
	if err != nil {
		return nil, err
	}

	if sub.Legacy() {
		return p.chargeLegacy(ctx, log, org, sub, model, req.ID, metadata)
	}
	return p.chargeWithAllowance(ctx, org, sub, model, req.ID, metadata)
}

// chargeLegacy keeps grandfathered plans on the old contract: free and
// premium tier models cost nothing until the monthly quota runs out,
// then every step debits full price.
func (p *Processor) chargeLegacy(ctx context.Context, log *zap.Logger, org *orgdomain.Organization, sub orgdomain.Subscription, model *modeldomain.Model, stepID string, metadata datatypes.JSONMap) (*ChargeResult, error) {
	quotaTracked := model.Tier == modeldomain.ModelTierFree || model.Tier == modeldomain.ModelTierPremium

	amount := model.CostPerStep
	note := fmt.Sprintf("%d credits debited on legacy plan", amount)
	if quotaTracked {
		exhausted, err := p.quota.Exhausted(ctx, org.ID, model.Tier)
		if err != nil {
			log.Warn("quota check failed, granting free legacy usage", zap.Error(err))
			exhausted = false
		}
		if !exhausted {
			amount = 0
			note = fmt.Sprintf("Included %s tier usage on legacy plan", model.Tier)
		}
	}

	res, replayed, err := p.debit(ctx, pathLegacy, ledgerdomain.RemoveCreditsRequest{
		OrgID:     org.ID,
		Amount:    amount,
		TrueCost:  model.CostPerStep,
		Source:    ledgerdomain.SourceInference,
		StepID:    stepID,
		ModelID:   model.Name,
		ModelTier: string(model.Tier),
		Note:      note,
		Metadata:  metadata,
	})
	if err == nil && !replayed && quotaTracked {
		p.quota.Increment(ctx, org.ID, model.Tier)
	}
	return res, err
}

// chargeWithAllowance draws the subscription's included credits down
// before purchased ones.
func (p *Processor) chargeWithAllowance(ctx context.Context, org *orgdomain.Organization, sub orgdomain.Subscription, model *modeldomain.Model, stepID string, metadata datatypes.JSONMap) (*ChargeResult, error) {
	cost := model.CostPerStep

	remaining, err := p.recurring.Remaining(ctx, org.ID, sub)
	if err != nil {
		return nil, err
	}

	recurrentPortion := cost
	if remaining < cost {
		recurrentPortion = remaining
	}
	purchasedPortion := cost - recurrentPortion

	res, replayed, err := p.debit(ctx, pathAllowance, ledgerdomain.RemoveCreditsRequest{
		OrgID:     org.ID,
		Amount:    purchasedPortion,
		TrueCost:  cost,
		Source:    ledgerdomain.SourceInference,
		StepID:    stepID,
		ModelID:   model.Name,
		ModelTier: string(model.Tier),
		Note: fmt.Sprintf("%d credits from included allowance, %d credits from balance",
			recurrentPortion, purchasedPortion),
		Metadata: metadata,
	})
	if err == nil && !replayed {
		if recurrentPortion > 0 {
			p.recurring.Increment(ctx, org.ID, sub, recurrentPortion)
		}
		p.quota.Increment(ctx, org.ID, model.Tier)
	}
	return res, err
}

// debit posts the subtraction and reports whether the ledger answered
// with a replay. Replays must not advance any usage counters; the
// original call already did.
func (p *Processor) debit(ctx context.Context, path string, req ledgerdomain.RemoveCreditsRequest) (*ChargeResult, bool, error) {
	res, err := p.ledger.RemoveCredits(ctx, req)
	if err != nil {
		return nil, false, err
	}

	if res.Replayed {
		p.metrics.RecordStepCharged(ctx, pathReplay)
		return &ChargeResult{TransactionID: res.TransactionID}, true, nil
	}

	p.metrics.RecordStepCharged(ctx, path)
	newBalance := res.NewBalance
	return &ChargeResult{TransactionID: res.TransactionID, NewBalance: &newBalance}, false, nil
}

// evaluateTopUp is the post-step hook; it runs whether or not the charge
// succeeded and its failure never fails the step.
func (p *Processor) evaluateTopUp(ctx context.Context, log *zap.Logger, orgID snowflake.ID) {
	if _, err := p.topup.Evaluate(ctx, orgID); err != nil {
		log.Warn("post-step auto top-up evaluation failed", zap.Error(err))
	}
}

// deferOrFail applies the failure policy: validation errors surface,
// everything else defers billing.
func (p *Processor) deferOrFail(log *zap.Logger, msg string, err error) (*ChargeResult, error) {
	if ModeFor(err) == FailClosed {
		return nil, err
	}
	log.Warn(msg+", deferring billing", zap.Error(err))
	return nil, nil
}

var Module = fx.Module("step",
	fx.Provide(NewProcessor),
)
