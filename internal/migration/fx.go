package migration

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterd/internal/config"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	organizationdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/internal/ratelimit"
	"github.com/smallbiznis/meterd/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql installs lean on gorm's schema sync; the
			// versioned SQL is written for postgres.
			if err := conn.AutoMigrate(
				&organizationdomain.Organization{},
				&organizationdomain.AutoTopUpConfig{},
				&modeldomain.Model{},
				&ledgerdomain.CreditTransaction{},
				&ledgerdomain.CreditBalance{},
				&ratelimit.RateLimitOverride{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultModels(conn, node)
	}),
)
