package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/meterd/internal/admission"
	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/cache"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterd/internal/ledger/service"
	"github.com/smallbiznis/meterd/internal/lock"
	"github.com/smallbiznis/meterd/internal/migration"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	modelservice "github.com/smallbiznis/meterd/internal/model/service"
	"github.com/smallbiznis/meterd/internal/notifier"
	"github.com/smallbiznis/meterd/internal/observability"
	obsmiddleware "github.com/smallbiznis/meterd/internal/observability/logger"
	obstracing "github.com/smallbiznis/meterd/internal/observability/tracing"
	organizationdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	organizationservice "github.com/smallbiznis/meterd/internal/organization/service"
	"github.com/smallbiznis/meterd/internal/payment"
	"github.com/smallbiznis/meterd/internal/providers/email"
	"github.com/smallbiznis/meterd/internal/quota"
	"github.com/smallbiznis/meterd/internal/ratelimit"
	"github.com/smallbiznis/meterd/internal/recurring"
	"github.com/smallbiznis/meterd/internal/step"
	"github.com/smallbiznis/meterd/internal/topup"
	pkgdb "github.com/smallbiznis/meterd/pkg/db"
)

var Module = fx.Module("http.server",
	config.Module,
	config.BillingModule,
	observability.Module,
	clock.Module,
	pkgdb.Module,
	cache.Module,
	lock.Module,
	migration.Module,
	fx.Provide(registerGin),
	organizationservice.Module,
	modelservice.Module,
	balance.Module,
	ledgerservice.Module,
	recurring.Module,
	ratelimit.Module,
	quota.Module,
	email.Module,
	payment.Module,
	notifier.Module,
	topup.Module,
	step.Module,
	admission.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	organizationSvc organizationdomain.Service
	modelSvc        modeldomain.Service
	ledgerSvc       ledgerdomain.Service
	balanceCache    *balance.Cache
	admissionSvc    *admission.Service
	stepProcessor   *step.Processor
	topUpController *topup.Controller
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	OrganizationSvc organizationdomain.Service
	ModelSvc        modeldomain.Service
	LedgerSvc       ledgerdomain.Service
	BalanceCache    *balance.Cache
	AdmissionSvc    *admission.Service
	StepProcessor   *step.Processor
	TopUpController *topup.Controller
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		organizationSvc: p.OrganizationSvc,
		modelSvc:        p.ModelSvc,
		ledgerSvc:       p.LedgerSvc,
		balanceCache:    p.BalanceCache,
		admissionSvc:    p.AdmissionSvc,
		stepProcessor:   p.StepProcessor,
		topUpController: p.TopUpController,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/steps/charge", s.ChargeStep)
	v1.POST("/messages/admit", s.AdmitMessage)

	orgs := v1.Group("/orgs/:org")
	orgs.POST("/credits", s.AddCredits)
	orgs.GET("/balance", s.GetBalance)
	orgs.GET("/transactions", s.ListTransactions)
	orgs.POST("/topup/evaluate", s.EvaluateAutoTopUp)
}
