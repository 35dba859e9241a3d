// Package admission answers "may this message run" before any work
// starts, combining per-minute rate limits with tier quotas. Denials
// carry structured reason codes so callers can render a specific
// message.
package admission

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	"github.com/smallbiznis/meterd/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/ratelimit"
)

const (
	ReasonOrganizationUnknown = "organization-unknown"
)

// Request identifies the message to admit. ModelProvider is the
// caller-declared provider category, consulted only when the model
// itself is not in the catalog.
type Request struct {
	OrganizationRef string
	ModelName       string
	ModelProvider   string
	EstimatedTokens int64
}

// Result is the admission verdict. Reasons is empty when admitted.
type Result struct {
	Admitted bool     `json:"admitted"`
	Reasons  []string `json:"reasons"`
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Orgs    orgdomain.Service
	Models  modeldomain.Service
	Limiter *ratelimit.Limiter
	Quota   *quota.Gate
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	orgs    orgdomain.Service
	models  modeldomain.Service
	limiter *ratelimit.Limiter
	quota   *quota.Gate
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:     p.Log.Named("admission.service"),
		orgs:    p.Orgs,
		models:  p.Models,
		limiter: p.Limiter,
		quota:   p.Quota,
		metrics: p.Metrics,
	}
}

// Admit evaluates the quota gate, then the rate limiter. The limiter
// consumes window capacity only for messages the gate already passed.
func (s *Service) Admit(ctx context.Context, req Request) (Result, error) {
	org, err := s.orgs.ResolveByRef(ctx, req.OrganizationRef)
	if err != nil {
		if errors.Is(err, orgdomain.ErrOrganizationNotFound) || errors.Is(err, orgdomain.ErrInvalidRef) {
			return s.deny(ctx, req.OrganizationRef, ReasonOrganizationUnknown), nil
		}
		return Result{}, err
	}

	model, err := s.models.GetByName(ctx, req.ModelName)
	if err != nil && !errors.Is(err, modeldomain.ErrModelNotFound) {
		return Result{}, err
	}

	// A model we have no record of is admitted without limits when the
	// caller runs it on a custom provider, and rejected otherwise: we
	// cannot price what we cannot resolve.
	if model == nil {
		if !modeldomain.KnownProvider(req.ModelProvider) {
			return s.allow(ctx, org), nil
		}
		return s.deny(ctx, org.ID.String(), quota.ReasonModelUnknown), nil
	}

	gateRes, err := s.quota.Check(ctx, org.ID, org.Tier, model)
	if err != nil {
		return Result{}, err
	}
	if !gateRes.Allowed {
		return s.deny(ctx, org.ID.String(), gateRes.Reason), nil
	}

	limitRes, err := s.limiter.Admit(ctx, org.ID, model, req.EstimatedTokens)
	if err != nil {
		return Result{}, err
	}
	if !limitRes.Allowed {
		return s.deny(ctx, org.ID.String(), limitRes.Reasons...), nil
	}

	return s.allow(ctx, org), nil
}

func (s *Service) allow(ctx context.Context, org *orgdomain.Organization) Result {
	s.metrics.RecordAdmissionAllowed(ctx, org.ID.String())
	return Result{Admitted: true, Reasons: []string{}}
}

func (s *Service) deny(ctx context.Context, orgRef string, reasons ...string) Result {
	for _, reason := range reasons {
		s.metrics.RecordAdmissionDenied(ctx, orgRef, reason)
	}
	s.log.Info("message denied",
		zap.String("org", orgRef),
		zap.Strings("reasons", reasons),
	)
	return Result{Reasons: reasons}
}

var Module = fx.Module("admission",
	fx.Provide(NewService),
)
