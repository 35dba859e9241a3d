// Package seed bootstraps catalog rows a fresh install needs before the
// first request arrives.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	"gorm.io/gorm"
)

// Starter catalog. Costs are credits per step; zero rate-limit defaults
// mean unlimited until an operator sets real caps.
var defaultModels = []modeldomain.Model{
	{
		Name:                        "gpt-4o",
		Provider:                    modeldomain.ProviderOpenAI,
		Tier:                        modeldomain.ModelTierStandard,
		CostPerStep:                 100,
		DefaultMaxRequestsPerMinute: 60,
		DefaultMaxTokensPerMinute:   150000,
	},
	{
		Name:                        "gpt-4o-mini",
		Provider:                    modeldomain.ProviderOpenAI,
		Tier:                        modeldomain.ModelTierFree,
		CostPerStep:                 5,
		DefaultMaxRequestsPerMinute: 120,
		DefaultMaxTokensPerMinute:   300000,
	},
	{
		Name:                        "claude-sonnet",
		Provider:                    modeldomain.ProviderAnthropic,
		Tier:                        modeldomain.ModelTierStandard,
		CostPerStep:                 120,
		DefaultMaxRequestsPerMinute: 60,
		DefaultMaxTokensPerMinute:   150000,
	},
	{
		Name:                        "claude-opus",
		Provider:                    modeldomain.ProviderAnthropic,
		Tier:                        modeldomain.ModelTierPremium,
		CostPerStep:                 400,
		DefaultMaxRequestsPerMinute: 30,
		DefaultMaxTokensPerMinute:   80000,
	},
	{
		Name:                        "gemini-flash",
		Provider:                    modeldomain.ProviderGoogle,
		Tier:                        modeldomain.ModelTierFree,
		CostPerStep:                 5,
		DefaultMaxRequestsPerMinute: 120,
		DefaultMaxTokensPerMinute:   300000,
	},
}

// EnsureDefaultModels inserts the starter model catalog. Rows already
// present, matched by name, are left untouched so operator edits survive
// restarts.
func EnsureDefaultModels(db *gorm.DB, node *snowflake.Node) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if node == nil {
		return errors.New("seed id generator is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range defaultModels {
			var existing modeldomain.Model
			err := tx.WithContext(ctx).
				Where("name = ?", m.Name).
				First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			m.ID = node.Generate()
			if err := tx.WithContext(ctx).Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
