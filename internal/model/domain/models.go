// Package domain contains model-catalog metadata: per-model cost,
// pricing tier and platform-wide rate-limit defaults.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ModelTier buckets models for quota purposes.
type ModelTier string

const (
	ModelTierFree     ModelTier = "free"
	ModelTierPremium  ModelTier = "premium"
	ModelTierStandard ModelTier = "standard"
)

// Known provider categories. Anything else is treated as a custom
// provider and bypasses platform rate limiting.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderByok      = "byok"
)

// KnownProvider reports whether the provider category is platform-managed.
func KnownProvider(provider string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return true
	default:
		return false
	}
}

// Model is the durable model-metadata record. Defaults change rarely; the
// service keeps them in a no-expiry cache.
type Model struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Name     string       `gorm:"type:text;not null;uniqueIndex"`
	Provider string       `gorm:"type:text;not null"`
	Tier     ModelTier    `gorm:"type:text;not null;default:'standard'"`
	// CostPerStep is the credit cost of one step on this model.
	CostPerStep int64 `gorm:"not null;default:0"`
	// Default per-minute admission caps, overridable per organization.
	DefaultMaxRequestsPerMinute int64     `gorm:"not null;default:0"`
	DefaultMaxTokensPerMinute   int64     `gorm:"not null;default:0"`
	CreatedAt                   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Model) TableName() string { return "models" }

var (
	ErrInvalidName   = errors.New("invalid_model_name")
	ErrModelNotFound = errors.New("model_not_found")
)

// Service resolves model metadata by name.
type Service interface {
	GetByName(ctx context.Context, name string) (*Model, error)
}
