// Package domain contains persistence models for organizations and
// their billing descriptors.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier identifies the subscription tier an organization is on.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"

	// Grandfathered tiers billed under the pre-allowance model.
	TierLegacyHobby Tier = "legacy_hobby"
	TierLegacyPro   Tier = "legacy_pro"
)

// Legacy reports whether the tier uses the grandfathered payment path.
func (t Tier) Legacy() bool {
	return t == TierLegacyHobby || t == TierLegacyPro
}

// Organization is the tenant identity. Mutated only by administrative
// flows outside this engine.
type Organization struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	ExternalRef        string       `gorm:"type:text;not null;uniqueIndex"`
	Name               string       `gorm:"type:text;not null"`
	Tier               Tier         `gorm:"type:text;not null;default:'free'"`
	BillingEmail       string       `gorm:"type:text"`
	BillingPeriodStart time.Time    `gorm:"not null"`
	BillingPeriodEnd   time.Time    `gorm:"not null"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// AutoTopUpConfig holds per-organization auto top-up settings. Read-only
// to this engine.
type AutoTopUpConfig struct {
	OrgID            snowflake.ID `gorm:"primaryKey"`
	Enabled          bool         `gorm:"not null;default:false"`
	Threshold        int64        `gorm:"not null;default:0"`
	RefillAmount     int64        `gorm:"not null;default:0"`
	MaxMonthlySpend  *int64       `gorm:""`
	PaymentMethodRef string       `gorm:"type:text"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AutoTopUpConfig) TableName() string { return "auto_topup_configs" }

// Subscription is the resolved billing descriptor for one organization:
// its tier, the current billing period and the period's credit allowance.
type Subscription struct {
	Tier               Tier
	IncludedCredits    int64
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
}

// Legacy reports whether the subscription bills on the grandfathered path.
func (s Subscription) Legacy() bool { return s.Tier.Legacy() }
