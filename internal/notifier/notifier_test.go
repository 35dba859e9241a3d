package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/config"
	"github.com/smallbiznis/meterd/internal/lock"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
)

type stubOrgs struct {
	orgdomain.Service

	org *orgdomain.Organization
	err error
}

func (s *stubOrgs) GetByID(ctx context.Context, orgID snowflake.ID) (*orgdomain.Organization, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.org, nil
}

type recordingEmail struct {
	sent []string
	err  error
}

func (e *recordingEmail) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	e.sent = append(e.sent, to[0])
	return e.err
}

func newTestNotifier(t *testing.T) (*LowBalanceNotifier, *recordingEmail, *stubOrgs) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mail := &recordingEmail{}
	orgs := &stubOrgs{org: &orgdomain.Organization{
		ID:           42,
		Name:         "Acme",
		BillingEmail: "billing@acme.test",
	}}

	n := NewLowBalanceNotifier(Params{
		Log:     zap.NewNop(),
		Locker:  lock.NewLocker(rdb),
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Orgs:    orgs,
		Email:   mail,
	})
	return n, mail, orgs
}

func TestAlertFiresOncePerCrossing(t *testing.T) {
	n, mail, _ := newTestNotifier(t)
	ctx := context.Background()

	// Default threshold is 500.
	n.BalanceChanged(ctx, 42, 499)
	n.BalanceChanged(ctx, 42, 450)
	n.BalanceChanged(ctx, 42, 10)

	assert.Equal(t, []string{"billing@acme.test"}, mail.sent)
}

func TestRecoveryReArmsTheAlert(t *testing.T) {
	n, mail, _ := newTestNotifier(t)
	ctx := context.Background()

	n.BalanceChanged(ctx, 42, 100)
	n.BalanceChanged(ctx, 42, 2000)
	n.BalanceChanged(ctx, 42, 100)

	assert.Len(t, mail.sent, 2)
}

func TestHealthyBalanceNeverAlerts(t *testing.T) {
	n, mail, _ := newTestNotifier(t)

	n.BalanceChanged(context.Background(), 42, 500)
	n.BalanceChanged(context.Background(), 42, 9000)

	assert.Empty(t, mail.sent)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	n, mail, _ := newTestNotifier(t)
	mail.err = errors.New("smtp down")

	// Must not panic or retry; the marker stays set for this crossing.
	n.BalanceChanged(context.Background(), 42, 100)
	n.BalanceChanged(context.Background(), 42, 90)
	assert.Len(t, mail.sent, 1)
}

func TestMissingBillingEmailSkipsSend(t *testing.T) {
	n, mail, orgs := newTestNotifier(t)
	orgs.org.BillingEmail = ""

	n.BalanceChanged(context.Background(), 42, 100)
	assert.Empty(t, mail.sent)
}

func TestLookupFailureDoesNotBlock(t *testing.T) {
	n, mail, orgs := newTestNotifier(t)
	orgs.err = errors.New("db down")

	require.NotPanics(t, func() {
		n.BalanceChanged(context.Background(), 42, 100)
	})
	assert.Empty(t, mail.sent)
}
