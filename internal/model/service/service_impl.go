package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/meterd/internal/cache"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	"github.com/smallbiznis/meterd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	log    *zap.Logger
	models repository.Repository[modeldomain.Model]
	// Model defaults change rarely; cached without expiry.
	byName cache.Cache[string, *modeldomain.Model]
}

func NewService(p Params) modeldomain.Service {
	return &Service{
		log:    p.Log.Named("model.service"),
		models: repository.ProvideStore[modeldomain.Model](p.DB),
		byName: cache.NewTTLCache[string, *modeldomain.Model](),
	}
}

func (s *Service) GetByName(ctx context.Context, name string) (*modeldomain.Model, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, modeldomain.ErrInvalidName
	}

	if cached, ok := s.byName.Get(name); ok {
		return cached, nil
	}

	model, err := s.models.FindOne(ctx, &modeldomain.Model{Name: name})
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, modeldomain.ErrModelNotFound
	}

	s.byName.Set(name, model, 0)
	return model, nil
}

var Module = fx.Module("model",
	fx.Provide(NewService),
)
