package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterd/internal/cache"
	"github.com/smallbiznis/meterd/internal/config"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resolverTTL = 45 * time.Second

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Billing *config.BillingConfigHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	billing  *config.BillingConfigHolder
	orgs     repository.Repository[orgdomain.Organization]
	topups   repository.Repository[orgdomain.AutoTopUpConfig]
	resolved cache.Cache[string, *orgdomain.Organization]
}

func NewService(p Params) orgdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("organization.service"),
		billing:  p.Billing,
		orgs:     repository.ProvideStore[orgdomain.Organization](p.DB),
		topups:   repository.ProvideStore[orgdomain.AutoTopUpConfig](p.DB),
		resolved: cache.NewTTLCache[string, *orgdomain.Organization](),
	}
}

func (s *Service) ResolveByRef(ctx context.Context, externalRef string) (*orgdomain.Organization, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, orgdomain.ErrInvalidRef
	}

	if cached, ok := s.resolved.Get(ref); ok {
		return cached, nil
	}

	org, err := s.orgs.FindOne(ctx, &orgdomain.Organization{ExternalRef: ref})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, orgdomain.ErrOrganizationNotFound
	}

	s.resolved.Set(ref, org, resolverTTL)
	return org, nil
}

func (s *Service) GetByID(ctx context.Context, orgID snowflake.ID) (*orgdomain.Organization, error) {
	org, err := s.orgs.FindOne(ctx, &orgdomain.Organization{ID: orgID})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, orgdomain.ErrOrganizationNotFound
	}
	return org, nil
}

func (s *Service) GetSubscription(ctx context.Context, orgID snowflake.ID) (orgdomain.Subscription, error) {
	org, err := s.GetByID(ctx, orgID)
	if err != nil {
		return orgdomain.Subscription{}, err
	}

	plan := s.billing.Get().Plan(string(org.Tier))
	return orgdomain.Subscription{
		Tier:               org.Tier,
		IncludedCredits:    plan.IncludedCredits,
		BillingPeriodStart: org.BillingPeriodStart,
		BillingPeriodEnd:   org.BillingPeriodEnd,
	}, nil
}

func (s *Service) GetAutoTopUpConfig(ctx context.Context, orgID snowflake.ID) (*orgdomain.AutoTopUpConfig, error) {
	cfg, err := s.topups.FindOne(ctx, &orgdomain.AutoTopUpConfig{OrgID: orgID})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

var Module = fx.Module("organization",
	fx.Provide(NewService),
)
