package step

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterd/internal/ledger/service"
	"github.com/smallbiznis/meterd/internal/lock"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/meterd/internal/payment/domain"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/recurring"
	"github.com/smallbiznis/meterd/internal/topup"
)

const testOrgID = snowflake.ID(42)

type stubOrgs struct {
	org   *orgdomain.Organization
	sub   orgdomain.Subscription
	topup *orgdomain.AutoTopUpConfig
}

func (s *stubOrgs) ResolveByRef(ctx context.Context, externalRef string) (*orgdomain.Organization, error) {
	if externalRef != s.org.ExternalRef {
		return nil, orgdomain.ErrOrganizationNotFound
	}
	return s.org, nil
}

func (s *stubOrgs) GetByID(ctx context.Context, orgID snowflake.ID) (*orgdomain.Organization, error) {
	return s.org, nil
}

func (s *stubOrgs) GetSubscription(ctx context.Context, orgID snowflake.ID) (orgdomain.Subscription, error) {
	return s.sub, nil
}

func (s *stubOrgs) GetAutoTopUpConfig(ctx context.Context, orgID snowflake.ID) (*orgdomain.AutoTopUpConfig, error) {
	return s.topup, nil
}

type stubModels struct {
	byName map[string]*modeldomain.Model
}

func (s *stubModels) GetByName(ctx context.Context, name string) (*modeldomain.Model, error) {
	m, ok := s.byName[name]
	if !ok {
		return nil, modeldomain.ErrModelNotFound
	}
	return m, nil
}

type stubPayment struct {
	charges int
	err     error
}

func (s *stubPayment) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.charges++
	return &paymentdomain.ChargeResult{ID: "ch_1", Status: "succeeded"}, nil
}

func (s *stubPayment) GetDefaultPaymentMethod(ctx context.Context, orgRef string) (string, error) {
	return "pm_default", nil
}

type fixture struct {
	processor *Processor
	ledger    ledgerdomain.Service
	orgs      *stubOrgs
	payment   *stubPayment
	locker    *lock.Locker
	gate      *quota.Gate
	pool      *recurring.Pool
	clock     *clock.FakeClock
	gdb       *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&ledgerdomain.CreditTransaction{}, &ledgerdomain.CreditBalance{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	cache := balance.NewCache(balance.Params{Redis: rdb, DB: gdb, Log: zap.NewNop()})
	locker := lock.NewLocker(rdb)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:      gdb,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fc,
		Balance: cache,
	})

	orgs := &stubOrgs{
		org: &orgdomain.Organization{ID: testOrgID, ExternalRef: "org-acme", Name: "Acme", Tier: orgdomain.TierPro},
		sub: orgdomain.Subscription{
			Tier:               orgdomain.TierPro,
			IncludedCredits:    0,
			BillingPeriodStart: fc.Now().AddDate(0, 0, -10),
			BillingPeriodEnd:   fc.Now().AddDate(0, 0, 20),
		},
		topup: &orgdomain.AutoTopUpConfig{OrgID: testOrgID},
	}
	models := &stubModels{byName: map[string]*modeldomain.Model{
		"gpt-4o": {ID: 1, Name: "gpt-4o", Provider: modeldomain.ProviderOpenAI, Tier: modeldomain.ModelTierStandard, CostPerStep: 100},
		"mini":   {ID: 2, Name: "mini", Provider: modeldomain.ProviderOpenAI, Tier: modeldomain.ModelTierFree, CostPerStep: 5},
	}}
	payment := &stubPayment{}

	pool := recurring.NewPool(recurring.Params{Redis: rdb, Log: zap.NewNop(), Clock: fc, Ledger: ledger})
	gate := quota.NewGate(quota.Params{Redis: rdb, Log: zap.NewNop(), Clock: fc, Billing: billing, Balance: cache})
	controller := topup.NewController(topup.Params{
		Log:     zap.NewNop(),
		Clock:   fc,
		Billing: billing,
		Locker:  locker,
		Orgs:    orgs,
		Ledger:  ledger,
		Balance: cache,
		Payment: payment,
	})

	processor := NewProcessor(Params{
		Log:       zap.NewNop(),
		Locker:    locker,
		Orgs:      orgs,
		Models:    models,
		Ledger:    ledger,
		Recurring: pool,
		Quota:     gate,
		TopUp:     controller,
	})
	return &fixture{
		processor: processor,
		ledger:    ledger,
		orgs:      orgs,
		payment:   payment,
		locker:    locker,
		gate:      gate,
		pool:      pool,
		clock:     fc,
		gdb:       gdb,
	}
}

func (f *fixture) request(stepID, model string) Request {
	return Request{
		ID:               stepID,
		ModelName:        model,
		ModelEndpoint:    "/v1/chat/completions",
		OrganizationRef:  "org-acme",
		ProviderCategory: "openai",
	}
}

func TestChargeStepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AddCredits(ctx, testOrgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	first, err := f.processor.ChargeStep(ctx, f.request("step-1", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, int64(900), *first.NewBalance)

	second, err := f.processor.ChargeStep(ctx, f.request("step-1", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Nil(t, second.NewBalance, "a replay moves no balance")

	var rows int64
	require.NoError(t, f.gdb.Model(&ledgerdomain.CreditTransaction{}).
		Where("step_id = ?", "step-1").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	bal, err := f.ledger.GetBalance(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)
}

func TestAllowanceSplitsBeforePurchasedCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.sub.IncludedCredits = 30
	_, err := f.ledger.AddCredits(ctx, testOrgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	res, err := f.processor.ChargeStep(ctx, f.request("step-split", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(930), *res.NewBalance, "only the purchased portion debits the balance")

	row, err := f.ledger.FindByStepID(ctx, "step-split")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(70), row.Amount)
	assert.Equal(t, int64(100), row.TrueCost)
	assert.Equal(t, "30 credits from included allowance, 70 credits from balance", row.Note)

	// The allowance is spent; the next step pays full price.
	res, err = f.processor.ChargeStep(ctx, f.request("step-split-2", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(830), *res.NewBalance)
}

func TestByokRecordsZeroCostAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AddCredits(ctx, testOrgID, 500, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	req := f.request("step-byok", "gpt-4o")
	req.ProviderCategory = "byok"

	res, err := f.processor.ChargeStep(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(500), *res.NewBalance)

	row, err := f.ledger.FindByStepID(ctx, "step-byok")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledgerdomain.SourceByokAudit, row.Source)
	assert.Equal(t, int64(0), row.Amount)
	assert.Equal(t, int64(0), row.TrueCost)
	assert.EqualValues(t, 100, row.Metadata["cost_per_step"])
}

func TestReplayedDebitLeavesCountersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.sub.IncludedCredits = 100

	_, err := f.ledger.AddCredits(ctx, testOrgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	first, err := f.processor.ChargeStep(ctx, f.request("step-dup-counter", "mini"))
	require.NoError(t, err)
	require.NotNil(t, first)

	remaining, err := f.pool.Remaining(ctx, testOrgID, f.orgs.sub)
	require.NoError(t, err)
	require.Equal(t, int64(95), remaining)

	// A duplicate that slips past the step lock and the pre-check still
	// reaches the ledger, which answers with a replay. The counters must
	// not move again.
	model := &modeldomain.Model{ID: 2, Name: "mini", Provider: modeldomain.ProviderOpenAI, Tier: modeldomain.ModelTierFree, CostPerStep: 5}
	res, err := f.processor.chargeWithAllowance(ctx, f.orgs.org, f.orgs.sub, model, "step-dup-counter", datatypes.JSONMap{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.NewBalance)

	remaining, err = f.pool.Remaining(ctx, testOrgID, f.orgs.sub)
	require.NoError(t, err)
	assert.Equal(t, int64(95), remaining)
}

func TestByokDoesNotConsumeAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.sub.IncludedCredits = 50

	_, err := f.ledger.AddCredits(ctx, testOrgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	byok := f.request("step-byok-audit", "gpt-4o")
	byok.ProviderCategory = "byok"
	_, err = f.processor.ChargeStep(ctx, byok)
	require.NoError(t, err)

	// The allowance counter is still cold here, so this charge rebuilds
	// it from the ledger. The audit row must not count against it.
	res, err := f.processor.ChargeStep(ctx, f.request("step-after-byok", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(950), *res.NewBalance)

	row, err := f.ledger.FindByStepID(ctx, "step-after-byok")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "50 credits from included allowance, 50 credits from balance", row.Note)
}

func TestHeldLockSkipsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, acquired, err := f.locker.TryLock(ctx, "step:step-busy", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	res, err := f.processor.ChargeStep(ctx, f.request("step-busy", "gpt-4o"))
	require.NoError(t, err)
	assert.Nil(t, res)

	row, err := f.ledger.FindByStepID(ctx, "step-busy")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestUnresolvableOrgDefersBilling(t *testing.T) {
	f := newFixture(t)

	req := f.request("step-noorg", "gpt-4o")
	req.OrganizationRef = "org-stranger"

	res, err := f.processor.ChargeStep(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestUnknownModelDefersBilling(t *testing.T) {
	f := newFixture(t)

	res, err := f.processor.ChargeStep(context.Background(), f.request("step-nomodel", "made-up"))
	require.NoError(t, err)
	assert.Nil(t, res)

	row, err := f.ledger.FindByStepID(context.Background(), "step-nomodel")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestLegacyPlanFreeUntilQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.org.Tier = orgdomain.TierLegacyHobby
	f.orgs.sub.Tier = orgdomain.TierLegacyHobby
	_, err := f.ledger.AddCredits(ctx, testOrgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	res, err := f.processor.ChargeStep(ctx, f.request("step-legacy-1", "mini"))
	require.NoError(t, err)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(1000), *res.NewBalance, "free tier usage is free while quota lasts")

	// Burn through the rest of the monthly free quota.
	for i := 0; i < 120; i++ {
		f.gate.Increment(ctx, testOrgID, modeldomain.ModelTierFree)
	}

	res, err = f.processor.ChargeStep(ctx, f.request("step-legacy-2", "mini"))
	require.NoError(t, err)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(995), *res.NewBalance, "past quota the full cost debits")

	row, err := f.ledger.FindByStepID(ctx, "step-legacy-2")
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.Amount)
	assert.Equal(t, int64(5), row.TrueCost)
}

func TestTopUpHookRunsAfterCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.topup = &orgdomain.AutoTopUpConfig{
		OrgID:            testOrgID,
		Enabled:          true,
		Threshold:        1000,
		RefillAmount:     500,
		PaymentMethodRef: "pm_123",
	}
	_, err := f.ledger.AddCredits(ctx, testOrgID, 150, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	res, err := f.processor.ChargeStep(ctx, f.request("step-hook", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.payment.charges)

	bal, err := f.ledger.GetBalance(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, int64(150-100+500), bal)
}

func TestTopUpFailureDoesNotFailTheStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orgs.topup = &orgdomain.AutoTopUpConfig{
		OrgID:            testOrgID,
		Enabled:          true,
		Threshold:        1000,
		RefillAmount:     500,
		PaymentMethodRef: "pm_123",
	}
	f.payment.err = fmt.Errorf("card declined")
	_, err := f.ledger.AddCredits(ctx, testOrgID, 150, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	res, err := f.processor.ChargeStep(ctx, f.request("step-hook-fail", "gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(50), *res.NewBalance)
}
