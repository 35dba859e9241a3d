package ratelimit

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RateLimitOverride replaces a model's default per-minute caps for one
// organization. A zero cap means that dimension is unlimited.
type RateLimitOverride struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	OrgID                snowflake.ID `gorm:"not null;uniqueIndex:ux_rate_limit_org_model,priority:1"`
	ModelID              snowflake.ID `gorm:"not null;uniqueIndex:ux_rate_limit_org_model,priority:2"`
	MaxRequestsPerMinute int64        `gorm:"not null;default:0"`
	MaxTokensPerMinute   int64        `gorm:"not null;default:0"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RateLimitOverride) TableName() string { return "rate_limit_overrides" }

// Limits is the effective per-minute admission cap after override
// resolution.
type Limits struct {
	MaxRequestsPerMinute int64
	MaxTokensPerMinute   int64
}
