package admission

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
	"gorm.io/gorm"

	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/ratelimit"
)

type stubOrgs struct {
	orgdomain.Service

	org *orgdomain.Organization
}

func (s *stubOrgs) ResolveByRef(ctx context.Context, externalRef string) (*orgdomain.Organization, error) {
	if s.org == nil || externalRef != s.org.ExternalRef {
		return nil, orgdomain.ErrOrganizationNotFound
	}
	return s.org, nil
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

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&ledgerdomain.CreditBalance{}, &ratelimit.RateLimitOverride{}))

	fc := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	cache := balance.NewCache(balance.Params{Redis: rdb, DB: gdb, Log: zap.NewNop()})

	orgs := &stubOrgs{org: &orgdomain.Organization{
		ID:          snowflake.ID(42),
		ExternalRef: "org-acme",
		Tier:        orgdomain.TierPro,
	}}
	models := &stubModels{byName: map[string]*modeldomain.Model{
		"gpt-4o": {
			ID:                          1,
			Name:                        "gpt-4o",
			Provider:                    modeldomain.ProviderOpenAI,
			Tier:                        modeldomain.ModelTierStandard,
			CostPerStep:                 10,
			DefaultMaxRequestsPerMinute: 3,
		},
	}}

	svc := NewService(Params{
		Log:     zap.NewNop(),
		Orgs:    orgs,
		Models:  models,
		Limiter: ratelimit.NewLimiter(ratelimit.Params{DB: gdb, Redis: rdb, Log: zap.NewNop(), Clock: fc}),
		Quota:   quota.NewGate(quota.Params{Redis: rdb, Log: zap.NewNop(), Clock: fc, Billing: billing, Balance: cache}),
	})
	return svc, gdb, fc
}

func admitReq(model string) Request {
	return Request{
		OrganizationRef: "org-acme",
		ModelName:       model,
		ModelProvider:   "openai",
		EstimatedTokens: 100,
	}
}

func TestAdmitHappyPath(t *testing.T) {
	svc, gdb, _ := newTestService(t)
	require.NoError(t, gdb.Create(&ledgerdomain.CreditBalance{OrgID: 42, Balance: 100}).Error)

	res, err := svc.Admit(context.Background(), admitReq("gpt-4o"))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Empty(t, res.Reasons)
}

func TestUnknownOrganizationIsDenied(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := admitReq("gpt-4o")
	req.OrganizationRef = "org-stranger"

	res, err := svc.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, []string{ReasonOrganizationUnknown}, res.Reasons)
}

func TestUnknownModelOnKnownProviderIsDenied(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Admit(context.Background(), admitReq("made-up"))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, []string{quota.ReasonModelUnknown}, res.Reasons)
}

func TestUnknownModelOnCustomProviderIsAdmitted(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := admitReq("on-prem-llama")
	req.ModelProvider = "acme-datacenter"

	res, err := svc.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestInsufficientBalanceIsDenied(t *testing.T) {
	svc, gdb, _ := newTestService(t)
	require.NoError(t, gdb.Create(&ledgerdomain.CreditBalance{OrgID: 42, Balance: 5}).Error)

	res, err := svc.Admit(context.Background(), admitReq("gpt-4o"))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, []string{quota.ReasonNotEnoughCredits}, res.Reasons)
}

func TestRateLimitDenialCarriesReason(t *testing.T) {
	svc, gdb, fc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, gdb.Create(&ledgerdomain.CreditBalance{OrgID: 42, Balance: 1000}).Error)

	for i := 0; i < 3; i++ {
		res, err := svc.Admit(ctx, admitReq("gpt-4o"))
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	res, err := svc.Admit(ctx, admitReq("gpt-4o"))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, []string{ratelimit.ReasonRequests}, res.Reasons)

	fc.Advance(time.Minute)
	res, err = svc.Admit(ctx, admitReq("gpt-4o"))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}
