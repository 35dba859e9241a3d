package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/meterd/internal/admission"
	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterd/internal/ledger/service"
	"github.com/smallbiznis/meterd/internal/lock"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	modelservice "github.com/smallbiznis/meterd/internal/model/service"
	"github.com/smallbiznis/meterd/internal/observability"
	organizationdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	organizationservice "github.com/smallbiznis/meterd/internal/organization/service"
	"github.com/smallbiznis/meterd/internal/payment"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/ratelimit"
	"github.com/smallbiznis/meterd/internal/recurring"
	"github.com/smallbiznis/meterd/internal/seed"
	"github.com/smallbiznis/meterd/internal/server"
	"github.com/smallbiznis/meterd/internal/step"
	"github.com/smallbiznis/meterd/internal/topup"
)

type testEnv struct {
	baseURL string
	db      *gorm.DB
	ledger  ledgerdomain.Service
	clock   *clock.FakeClock
	orgID   snowflake.ID
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&organizationdomain.Organization{},
		&organizationdomain.AutoTopUpConfig{},
		&modeldomain.Model{},
		&ledgerdomain.CreditTransaction{},
		&ledgerdomain.CreditBalance{},
		&ratelimit.RateLimitOverride{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	require.NoError(t, seed.EnsureDefaultModels(gdb, node))

	log := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, time.June, 15, 9, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	orgID := node.Generate()
	require.NoError(t, gdb.Create(&organizationdomain.Organization{
		ID:                 orgID,
		ExternalRef:        "org-e2e",
		Name:               "E2E Org",
		Tier:               organizationdomain.TierFree,
		BillingPeriodStart: fc.Now().AddDate(0, 0, -14),
		BillingPeriodEnd:   fc.Now().AddDate(0, 0, 16),
	}).Error)

	cache := balance.NewCache(balance.Params{Redis: rdb, DB: gdb, Log: log})
	locker := lock.NewLocker(rdb)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:      gdb,
		Log:     log,
		GenID:   node,
		Clock:   fc,
		Balance: cache,
	})
	orgs := organizationservice.NewService(organizationservice.Params{DB: gdb, Log: log, Billing: billing})
	models := modelservice.NewService(modelservice.Params{DB: gdb, Log: log})
	limiter := ratelimit.NewLimiter(ratelimit.Params{DB: gdb, Redis: rdb, Log: log, Clock: fc})
	pool := recurring.NewPool(recurring.Params{Redis: rdb, Log: log, Clock: fc, Ledger: ledger})
	gate := quota.NewGate(quota.Params{Redis: rdb, Log: log, Clock: fc, Billing: billing, Balance: cache})
	controller := topup.NewController(topup.Params{
		Log:     log,
		Clock:   fc,
		Billing: billing,
		Locker:  locker,
		Orgs:    orgs,
		Ledger:  ledger,
		Balance: cache,
		Payment: payment.NewNoOp(log),
	})
	processor := step.NewProcessor(step.Params{
		Log:       log,
		Locker:    locker,
		Orgs:      orgs,
		Models:    models,
		Ledger:    ledger,
		Recurring: pool,
		Quota:     gate,
		TopUp:     controller,
	})
	admitter := admission.NewService(admission.Params{
		Log:     log,
		Orgs:    orgs,
		Models:  models,
		Limiter: limiter,
		Quota:   gate,
	})

	engine := server.NewEngine(observability.Config{LogLevel: "error", LogFormat: "json"})
	server.NewServer(server.ServerParams{
		Gin:             engine,
		DB:              gdb,
		OrganizationSvc: orgs,
		ModelSvc:        models,
		LedgerSvc:       ledger,
		BalanceCache:    cache,
		AdmissionSvc:    admitter,
		StepProcessor:   processor,
		TopUpController: controller,
	})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testEnv{baseURL: srv.URL, db: gdb, ledger: ledger, clock: fc, orgID: orgID}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", string(raw))
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	env := startEnv(t)

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestChargeStepAndBalanceOverHTTP(t *testing.T) {
	env := startEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/orgs/org-e2e/credits", map[string]any{
		"amount": 1000,
		"source": "purchase",
		"note":   "starter pack",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1000, body["new_balance"])

	charge := map[string]any{
		"step_id":           "step-e2e-1",
		"model_name":        "gpt-4o",
		"model_endpoint":    "/v1/chat/completions",
		"organization_ref":  "org-e2e",
		"provider_category": "openai",
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/steps/charge", charge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "charged", body["status"])
	assert.EqualValues(t, 900, body["new_balance"])

	// Same step again is a replay: acknowledged, nothing moves.
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/steps/charge", charge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "charged", body["status"])
	assert.Nil(t, body["new_balance"])

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/v1/orgs/org-e2e/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 900, body["balance"])
}

func TestAdmitMessageOverHTTP(t *testing.T) {
	env := startEnv(t)

	admit := map[string]any{
		"organization_ref": "org-e2e",
		"model_name":       "gpt-4o",
		"model_provider":   "openai",
		"estimated_tokens": 500,
	}

	// No credits yet: the standard-tier model is gated on balance.
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/messages/admit", admit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["admitted"])
	assert.Contains(t, body["reasons"], "not-enough-credits")

	_, err := env.ledger.AddCredits(context.Background(), env.orgID, 500, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/messages/admit", admit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["admitted"])

	// A model nobody has heard of on a managed provider is rejected;
	// the same name on a customer-managed provider sails through.
	admit["model_name"] = "mystery-model"
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/messages/admit", admit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["admitted"])
	assert.Contains(t, body["reasons"], "model-unknown")

	admit["model_provider"] = "acme-gpu-cloud"
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/messages/admit", admit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["admitted"])
}

func TestUnknownOrganizationIs404(t *testing.T) {
	env := startEnv(t)

	resp, _ := doJSON(t, http.MethodGet, env.baseURL+"/v1/orgs/no-such-org/balance", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransactionListingOverHTTP(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()

	_, err := env.ledger.AddCredits(ctx, env.orgID, 1000, ledgerdomain.SourcePurchase, "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	charge := map[string]any{
		"step_id":           "step-list-1",
		"model_name":        "gpt-4o",
		"organization_ref":  "org-e2e",
		"provider_category": "openai",
	}
	resp, _ := doJSON(t, http.MethodPost, env.baseURL+"/v1/steps/charge", charge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/orgs/org-e2e/transactions?page_size=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	txs, ok := body["transactions"].([]any)
	require.True(t, ok)
	require.Len(t, txs, 2)

	newest, ok := txs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "subtraction", newest["type"])
	assert.Equal(t, "step-list-1", newest["step_id"])
}

func TestAutoTopUpEvaluateOverHTTP(t *testing.T) {
	env := startEnv(t)

	// No config row means auto top-up is off for the org.
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/orgs/org-e2e/topup/evaluate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["triggered"])
	assert.Equal(t, topup.ReasonDisabled, body["reason"])
}

func TestAddCreditsValidationOverHTTP(t *testing.T) {
	env := startEnv(t)

	resp, _ := doJSON(t, http.MethodPost, env.baseURL+"/v1/orgs/org-e2e/credits", map[string]any{
		"amount": -50,
		"source": "purchase",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
